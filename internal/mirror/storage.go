package mirror

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

const tempPrefix = "._tmp"

// validatePath validates that a path is safe for use within the storage directory.
// It prevents directory traversal attacks by checking for:
// 1. Parent directory references (..)
// 2. Absolute paths
// Returns an error if the path is unsafe.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)

	// Check for directory traversal attempts
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) ||
		strings.Contains(cleanPath, string(filepath.Separator)+".."+string(filepath.Separator)) {
		return errors.New("unsafe path (contains directory traversal): " + path)
	}

	// Check for absolute paths
	if filepath.IsAbs(cleanPath) {
		return errors.New("unsafe path (absolute path not allowed): " + path)
	}

	return nil
}

// Storage manages the crate archive tree under a mirror root.
type Storage struct {
	dir string
}

// NewStorage constructs Storage.
//
// dir must be an absolute path to an existing directory.
func NewStorage(dir string) (*Storage, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("none absolute: " + dir)
	}

	dir = filepath.Clean(dir)
	st, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Mark(err, ErrIO)
	}
	if !st.Mode().IsDir() {
		return nil, errors.Mark(errors.New("not a directory: "+dir), ErrIO)
	}

	return &Storage{dir: dir}, nil
}

// Dir returns the directory of the Storage.
func (s *Storage) Dir() string {
	return s.dir
}

// ArchivePath returns the full local path of the archive for ref.
func (s *Storage) ArchivePath(ref crate.PackageRef) (string, error) {
	return crate.ArchivePath(s.dir, ref.Name, ref.Version)
}

// Exists reports whether the archive for ref is already stored as a
// regular file.
func (s *Storage) Exists(ref crate.PackageRef) (bool, error) {
	fp, err := s.ArchivePath(ref)
	if err != nil {
		return false, err
	}
	st, err := os.Stat(fp)
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err != nil:
		return false, errors.Mark(err, ErrIO)
	}
	return st.Mode().IsRegular(), nil
}

// Store writes the contents of r as the archive for ref.
//
// The body is streamed into a temporary file next to the destination,
// synced and renamed into place, so the archive path never holds a
// partial file. An existing archive is overwritten.
func (s *Storage) Store(ref crate.PackageRef, r io.Reader) (*crate.FileInfo, error) {
	rel, err := ref.Path()
	if err != nil {
		return nil, err
	}
	if err := validatePath(filepath.FromSlash(rel)); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "Store"), ErrInvalidAddress)
	}

	fp := filepath.Join(s.dir, filepath.FromSlash(rel))
	d := filepath.Dir(fp)
	if err := os.MkdirAll(d, 0750); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "Store"), ErrIO)
	}

	tempfile, err := os.CreateTemp(d, tempPrefix)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "Store"), ErrIO)
	}
	renamed := false
	defer func() {
		if !renamed {
			closeAndRemoveFile(tempfile)
		}
	}()

	fi, err := crate.CopyWithFileInfo(ioWriter{tempfile}, r, rel)
	if err != nil {
		// unmarked errors come from the reader, usually an HTTP body
		return nil, errors.Wrap(err, "copy archive")
	}
	if err := tempfile.Sync(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "tempfile.Sync failed"), ErrIO)
	}
	if err := os.Chmod(tempfile.Name(), 0644); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "os.Chmod(tempfile.Name(), 0644) failed"), ErrIO)
	}
	if err := tempfile.Close(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "tempfile.Close failed"), ErrIO)
	}
	if err := os.Rename(tempfile.Name(), fp); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "Store"), ErrIO)
	}
	renamed = true

	// the new name exists only in dentry
	if err := syncDir(d); err != nil {
		return nil, err
	}
	return fi, nil
}

// ioWriter marks write errors of w as ErrIO so that they can be told
// apart from read errors of the copied body.
type ioWriter struct {
	w io.Writer
}

func (iw ioWriter) Write(p []byte) (int, error) {
	n, err := iw.w.Write(p)
	if err != nil {
		err = errors.Mark(errors.Wrap(err, "write archive"), ErrIO)
	}
	return n, err
}

// closeAndRemoveFile closes and removes a temporary file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Warn("failed to close temp file", "file", filename, "error", err)
	}
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp file", "file", filename, "error", err)
	}
}
