package mirror

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

// Status is the outcome of mirroring one crate.
type Status string

const (
	StatusMirrored Status = "mirrored"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Entry records the outcome for a single PackageRef.
type Entry struct {
	Ref    crate.PackageRef
	Status Status
	Path   string          // local archive path, empty if none could be derived
	File   *crate.FileInfo // nil unless Status is StatusMirrored
	Err    error
}

// Report aggregates the outcome of a Build.
type Report struct {
	mu           sync.Mutex
	entries      []*Entry
	scanErrs     []error
	notAttempted int
}

// Add records an entry.
func (r *Report) Add(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *Report) addScanErrors(errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanErrs = append(r.scanErrs, errs...)
}

func (r *Report) setNotAttempted(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notAttempted = n
}

// Entries returns all entries ordered by crate name and then by version.
func (r *Report) Entries() []*Entry {
	r.mu.Lock()
	entries := make([]*Entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Ref, entries[j].Ref
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return versionLess(a.Version, b.Version)
	})
	return entries
}

// versionLess orders semantic versions by precedence and falls back to
// string order when either side does not parse.
func versionLess(a, b string) bool {
	va, errA := semver.StrictNewVersion(a)
	vb, errB := semver.StrictNewVersion(b)
	if errA != nil || errB != nil {
		return a < b
	}
	if va.Equal(vb) {
		return a < b
	}
	return va.LessThan(vb)
}

func (r *Report) filter(s Status) []*Entry {
	var out []*Entry
	for _, e := range r.Entries() {
		if e.Status == s {
			out = append(out, e)
		}
	}
	return out
}

// Mirrored returns the entries fetched and written in this run.
func (r *Report) Mirrored() []*Entry {
	return r.filter(StatusMirrored)
}

// Skipped returns the entries left alone because the archive existed.
func (r *Report) Skipped() []*Entry {
	return r.filter(StatusSkipped)
}

// Failed returns the entries that could not be mirrored.
func (r *Report) Failed() []*Entry {
	return r.filter(StatusFailed)
}

// ScanErrors returns the per-manifest errors of the vendor scan.
func (r *Report) ScanErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := make([]error, len(r.scanErrs))
	copy(errs, r.scanErrs)
	return errs
}

// NotAttempted returns the number of refs never scheduled because the
// run was stopped.
func (r *Report) NotAttempted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notAttempted
}

// OK returns true if every discovered crate is present in the mirror and
// no manifest failed to scan.
func (r *Report) OK() bool {
	return len(r.Failed()) == 0 && len(r.ScanErrors()) == 0 && r.NotAttempted() == 0
}

// Err joins every scan and fetch failure into one error, or returns nil.
func (r *Report) Err() error {
	errs := r.ScanErrors()
	for _, e := range r.Failed() {
		errs = append(errs, errors.Wrap(e.Err, e.Ref.String()))
	}
	if n := r.NotAttempted(); n > 0 {
		errs = append(errs, errors.Newf("%d crates not attempted", n))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
