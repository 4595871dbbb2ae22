package crate

import (
	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// ManifestName is the file name of a vendored crate manifest.
const ManifestName = "Cargo.toml"

// Manifest is the part of a Cargo.toml the mirror reads.
type Manifest struct {
	Package *ManifestPackage `toml:"package"`
}

// ManifestPackage is the [package] table of a Cargo.toml.
type ManifestPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// ParseManifest decodes a Cargo.toml and returns the package it describes.
//
// Syntax errors and mistyped fields are marked ErrManifestParse, absent or
// empty package.name / package.version are marked ErrMissingField, and
// names unusable as paths are marked ErrInvalidRef.
func ParseManifest(data string) (PackageRef, error) {
	var m Manifest
	md, err := toml.Decode(data, &m)
	if err != nil {
		return PackageRef{}, errors.Mark(err, ErrManifestParse)
	}

	for _, key := range []string{"name", "version"} {
		if !md.IsDefined("package", key) {
			return PackageRef{}, errors.Mark(errors.Newf("package.%s is not set", key), ErrMissingField)
		}
	}

	ref := PackageRef{Name: m.Package.Name, Version: m.Package.Version}
	if err := ref.Validate(); err != nil {
		return PackageRef{}, err
	}
	return ref, nil
}
