package crate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"

	"github.com/cockroachdb/errors"
)

// FileInfo is the size and SHA-256 of a stored archive.
type FileInfo struct {
	path   string
	size   uint64
	sha256 []byte
}

// Path returns the slash-separated path of the file relative to the
// mirror root.
func (fi *FileInfo) Path() string {
	return fi.path
}

// Size returns the number of bytes of the file body.
func (fi *FileInfo) Size() uint64 {
	return fi.size
}

// SHA256 returns the hex encoded SHA-256 of the file body, or an empty
// string if it was not calculated.
func (fi *FileInfo) SHA256() string {
	if fi.sha256 == nil {
		return ""
	}
	return hex.EncodeToString(fi.sha256)
}

type fileInfoJSON struct {
	Path      string
	Size      int64
	SHA256Sum string `json:",omitempty"`
}

// MarshalJSON implements json.Marshaler
func (fi *FileInfo) MarshalJSON() ([]byte, error) {
	if fi.size > math.MaxInt64 {
		return nil, errors.Newf("file size %d exceeds maximum int64 value", fi.size)
	}
	return json.Marshal(&fileInfoJSON{
		Path:      fi.path,
		Size:      int64(fi.size),
		SHA256Sum: fi.SHA256(),
	})
}

// CopyWithFileInfo copies from src to dst until either EOF is reached
// on src or an error occurs, and returns FileInfo calculated while copying.
func CopyWithFileInfo(dst io.Writer, src io.Reader, p string) (*FileInfo, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(h, dst), src)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		path:   p,
		size:   uint64(n), // #nosec G115 - io.Copy returns int64, n >= 0
		sha256: h.Sum(nil),
	}, nil
}
