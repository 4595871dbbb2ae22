package mirror

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

var (
	// ErrIO marks filesystem read/write failures.
	ErrIO = errors.New("i/o error")

	// ErrFetch marks transport failures and non-success responses.
	ErrFetch = errors.New("fetch failed")

	ErrManifestParse  = crate.ErrManifestParse
	ErrMissingField   = crate.ErrMissingField
	ErrInvalidRef     = crate.ErrInvalidRef
	ErrInvalidAddress = crate.ErrInvalidAddress
)

// ScanError is a per-manifest failure recorded by the Scanner.
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// FetchError is a failure to download one crate archive.
type FetchError struct {
	Ref    crate.PackageRef
	URL    string
	Status int // 0 if no response was received
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d from %s", e.Ref, e.Status, e.URL)
	}
	return fmt.Sprintf("fetch %s from %s: %v", e.Ref, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports every FetchError as ErrFetch.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}
