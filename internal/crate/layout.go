package crate

import (
	"net/url"
	"path"
	"path/filepath"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

const (
	// CratesDir is the top-level directory of the archive tree.
	CratesDir = "crates"

	// ArchiveExt is the file extension of a crate archive.
	ArchiveExt = ".crate"
)

// ArchiveName returns "<name>-<version>.crate".
func ArchiveName(name, version string) string {
	return name + "-" + version + ArchiveExt
}

// ShardDir returns the shard directory for name, following the
// crates.io index layout:
//
//	len 1   -> "1"
//	len 2   -> "2"
//	len 3   -> "3"
//	len >=4 -> name[0:2] "/" name[2:4]
//
// Lengths are in bytes and no case folding is done. An empty name, or a
// name whose byte 2 or 4 falls inside a multi-byte character, has no shard.
func ShardDir(name string) (string, error) {
	switch len(name) {
	case 0:
		return "", errors.Mark(errors.New("empty crate name"), ErrInvalidAddress)
	case 1:
		return "1", nil
	case 2:
		return "2", nil
	case 3:
		return "3", nil
	}

	for _, i := range []int{2, 4} {
		if i < len(name) && !utf8.RuneStart(name[i]) {
			return "", errors.Mark(errors.Newf("cannot shard %q at byte %d", name, i), ErrInvalidAddress)
		}
	}
	return name[0:2] + "/" + name[2:4], nil
}

// RelPath returns the slash-separated archive path relative to a mirror
// root: crates/<shard>/<name>/<version>/<name>-<version>.crate.
func RelPath(name, version string) (string, error) {
	shard, err := ShardDir(name)
	if err != nil {
		return "", err
	}
	return path.Join(CratesDir, shard, name, version, ArchiveName(name, version)), nil
}

// ArchivePath returns the local archive path for name and version under root.
func ArchivePath(root, name, version string) (string, error) {
	rel, err := RelPath(name, version)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}

// Path is RelPath for r.
func (r PackageRef) Path() (string, error) {
	return RelPath(r.Name, r.Version)
}

// DownloadPath returns the registry download path for r relative to the
// registry base: crates/<name>/<name>-<version>.crate.
//
// This shape does not depend on the local shard layout.
func (r PackageRef) DownloadPath() string {
	return path.Join(CratesDir, r.Name, ArchiveName(r.Name, r.Version))
}

// DownloadURL resolves the download path of r against base.
func (r PackageRef) DownloadURL(base *url.URL) *url.URL {
	return base.ResolveReference(&url.URL{Path: r.DownloadPath()})
}
