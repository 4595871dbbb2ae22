package crate

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidAddress is returned when no mirror path can be derived
	// for a crate name.
	ErrInvalidAddress = errors.New("invalid crate address")

	// ErrManifestParse marks a Cargo.toml that is not valid TOML or whose
	// package fields have the wrong type.
	ErrManifestParse = errors.New("malformed manifest")

	// ErrMissingField marks a Cargo.toml without package.name or
	// package.version.
	ErrMissingField = errors.New("missing manifest field")

	// ErrInvalidRef marks a reference whose name or version cannot be
	// used as a path segment.
	ErrInvalidRef = errors.New("invalid package reference")
)
