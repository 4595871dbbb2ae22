package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	lockFilename = ".lock"
)

// validateLockFilePath validates that a lock file path is safe for use.
// It prevents directory traversal attacks by ensuring the path is within the mirror directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	// Check for directory traversal attempts
	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}

	// Ensure lock file is within the base directory
	if filepath.Dir(cleanLock) != cleanBase {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}

	return nil
}

// Run mirrors the crates of a vendor tree with b.
//
// The first thing to do is to acquire flock on the lock file in the
// mirror root, so that two runs never write into the same mirror. The
// lock file is removed when the run completes.
func Run(ctx context.Context, b *Builder) (*Report, error) {
	dir := b.Storage().Dir()
	lockFile := filepath.Join(dir, lockFilename)

	if err := validateLockFilePath(lockFile, dir); err != nil {
		return nil, errors.Wrap(err, "Run")
	}

	file, err := os.OpenFile(lockFile, os.O_RDWR|os.O_CREATE, 0644) // #nosec G304,G302 - lockFile path validated, 0644 standard for lock files
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "Run"), ErrIO)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		return nil, errors.Wrap(err, "mirror is in use by another run")
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
	}()

	// Clean up the lock file when the process completes
	defer func() {
		if err := os.Remove(lockFile); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
	}()

	slog.Info("update starts", "mirror", dir)
	report, err := b.Build(ctx)
	if err != nil {
		return report, err
	}
	slog.Info("update ends", "mirror", dir, "ok", report.OK())
	return report, nil
}
