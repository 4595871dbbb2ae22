package crate

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// PackageRef identifies one archive to mirror.
//
// Two refs with equal Name and Version are the same package.
type PackageRef struct {
	Name    string
	Version string
}

// String returns "name-version", the archive base name without extension.
func (r PackageRef) String() string {
	return r.Name + "-" + r.Version
}

// Validate checks that both fields are set and usable as path segments.
func (r PackageRef) Validate() error {
	if r.Name == "" {
		return errors.Mark(errors.New("empty package name"), ErrMissingField)
	}
	if r.Version == "" {
		return errors.Mark(errors.Newf("empty version for %s", r.Name), ErrMissingField)
	}
	if err := checkSegment(r.Name); err != nil {
		return errors.Mark(errors.Wrapf(err, "name %q", r.Name), ErrInvalidRef)
	}
	if err := checkSegment(r.Version); err != nil {
		return errors.Mark(errors.Wrapf(err, "version %q of %s", r.Version, r.Name), ErrInvalidRef)
	}
	return nil
}

func checkSegment(s string) error {
	if s == "." || s == ".." {
		return errors.New("reserved path segment")
	}
	if strings.ContainsAny(s, "/\\\x00") {
		return errors.New("contains a path separator or NUL")
	}
	return nil
}
