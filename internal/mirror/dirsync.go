package mirror

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// checkSyncDir rejects relative paths that climb out of the working
// directory.
func checkSyncDir(dir string) error {
	clean := filepath.Clean(dir)
	if !filepath.IsAbs(clean) && strings.HasPrefix(clean, "..") {
		return errors.Newf("refusing to sync %q: path escapes the working directory", dir)
	}
	return nil
}

// syncDir fsyncs dir so that a rename of one of its entries is durable.
func syncDir(dir string) error {
	if err := checkSyncDir(dir); err != nil {
		return errors.Mark(err, ErrIO)
	}

	d, err := os.Open(dir) // #nosec G304 - archive directory under the mirror root
	if err != nil {
		return errors.Mark(errors.Wrap(err, "open directory for sync"), ErrIO)
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return errors.Mark(errors.Wrapf(err, "sync %s", dir), ErrIO)
	}
	return errors.Mark(d.Close(), ErrIO)
}
