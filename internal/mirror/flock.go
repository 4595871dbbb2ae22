package mirror

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Flock is an advisory exclusive lock on an open file.
type Flock struct {
	file *os.File
}

// Lock acquires the lock without blocking.
// It fails if another process holds the lock.
func (f Flock) Lock() error {
	err := unix.Flock(int(f.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		return errors.Wrap(err, "flock "+f.file.Name())
	}
	return nil
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return unix.Flock(int(f.file.Fd()), unix.LOCK_UN)
}
