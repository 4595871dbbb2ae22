package mirror

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

// maxScanDepth is the deepest level, relative to the vendor root, at which
// manifests are looked for. cargo vendor puts them at depth 2.
const maxScanDepth = 2

// Scanner discovers crate manifests in a directory produced by cargo vendor.
type Scanner struct {
	root string
}

// NewScanner constructs a Scanner for the vendor tree at root.
func NewScanner(root string) *Scanner {
	return &Scanner{root: filepath.Clean(root)}
}

// scanDepth returns the number of path elements of p below root.
func scanDepth(root, p string) int {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// Scan walks the vendor tree at depth 1 and 2 and parses every Cargo.toml.
//
// Refs are returned in lexical traversal order without deduplication.
// A manifest that cannot be read or parsed is reported as a *ScanError in
// the second return value and does not stop the scan. The returned error is
// non-nil only if the root itself cannot be walked or ctx is done.
//
// A symlinked root is followed; links below it are not.
func (s *Scanner) Scan(ctx context.Context) ([]crate.PackageRef, []error, error) {
	root, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "scan"), ErrIO)
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "scan"), ErrIO)
	}
	if !st.IsDir() {
		return nil, nil, errors.Mark(errors.New("scan: not a directory: "+s.root), ErrIO)
	}

	var refs []crate.PackageRef
	var scanErrs []error

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		depth := scanDepth(root, p)
		shown := s.callerPath(root, p)
		if err != nil {
			if depth == 0 {
				return err
			}
			slog.Warn("skipping unreadable vendor entry", "path", shown, "error", err)
			scanErrs = append(scanErrs, &ScanError{Path: shown, Err: errors.Mark(err, ErrIO)})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if depth >= maxScanDepth {
				return fs.SkipDir
			}
			return nil
		}
		if depth == 0 || d.Name() != crate.ManifestName {
			return nil
		}

		ref, err := s.readManifest(p)
		if err != nil {
			slog.Warn("skipping manifest", "path", shown, "error", err)
			scanErrs = append(scanErrs, &ScanError{Path: shown, Err: err})
			return nil
		}
		slog.Debug("found crate", "crate", ref.Name, "version", ref.Version, "path", shown)
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return refs, scanErrs, ctxErr
		}
		return refs, scanErrs, errors.Mark(errors.Wrap(err, "scan "+s.root), ErrIO)
	}

	slog.Info("vendor tree scanned", "root", s.root, "crates", len(refs), "errors", len(scanErrs))
	return refs, scanErrs, nil
}

// callerPath maps p under the resolved root back under the root the
// Scanner was created with.
func (s *Scanner) callerPath(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return filepath.Join(s.root, rel)
}

func (s *Scanner) readManifest(p string) (crate.PackageRef, error) {
	data, err := os.ReadFile(p) // #nosec G304 - p is found under the vendor root
	if err != nil {
		return crate.PackageRef{}, errors.Mark(errors.Wrap(err, "read manifest"), ErrIO)
	}
	ref, err := crate.ParseManifest(string(data))
	if err != nil {
		return crate.PackageRef{}, errors.Wrap(err, "parse manifest")
	}
	return ref, nil
}
