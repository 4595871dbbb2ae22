package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

// Builder mirrors the crates of one vendor tree into a mirror root.
//
// A Builder is meant for a single run.
type Builder struct {
	config     *Config
	scanner    *Scanner
	storage    *Storage
	httpClient *HTTPClient
	semaphore  chan struct{}

	// OnScan, if set, is called with the number of crates about to be
	// mirrored.
	OnScan func(total int)

	// OnResult, if set, is called for every crate that finished. Calls
	// come from one goroutine.
	OnResult func(*Entry)
}

// NewBuilder constructs a Builder reading vendorDir and writing into
// mirrorDir. mirrorDir is created if it does not exist.
func NewBuilder(config *Config, vendorDir, mirrorDir string) (*Builder, error) {
	if err := config.Check(); err != nil {
		return nil, errors.Wrap(err, "config")
	}

	mirrorDir, err := filepath.Abs(mirrorDir)
	if err != nil {
		return nil, errors.Wrap(err, "mirror dir")
	}
	if err := os.MkdirAll(mirrorDir, 0750); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "mirror dir"), ErrIO)
	}
	storage, err := NewStorage(mirrorDir)
	if err != nil {
		return nil, errors.Wrap(err, "mirror dir")
	}

	semaphore := make(chan struct{}, config.MaxConns)

	// Pre-fill the semaphore with tokens
	for i := 0; i < config.MaxConns; i++ {
		semaphore <- struct{}{}
	}

	return &Builder{
		config:     config,
		scanner:    NewScanner(vendorDir),
		storage:    storage,
		httpClient: NewHTTPClient(config, storage),
		semaphore:  semaphore,
	}, nil
}

// Storage returns the mirror storage of b.
func (b *Builder) Storage() *Storage {
	return b.storage
}

// Build scans the vendor tree and mirrors every crate found.
//
// Unless FailFast is configured, a crate that fails to scan or download
// is recorded in the report and the run goes on; the returned error is
// then nil even if the report is not OK. The report is returned also
// together with an error.
func (b *Builder) Build(ctx context.Context) (*Report, error) {
	report := &Report{}

	refs, scanErrs, err := b.scanner.Scan(ctx)
	report.addScanErrors(scanErrs)
	if err != nil {
		return report, err
	}
	if b.config.FailFast && len(scanErrs) > 0 {
		return report, scanErrs[0]
	}

	err = b.mirror(ctx, refs, report)
	return report, err
}

// Mirror downloads the given refs into the mirror and reports the outcome.
func (b *Builder) Mirror(ctx context.Context, refs []crate.PackageRef) (*Report, error) {
	report := &Report{}
	err := b.mirror(ctx, refs, report)
	return report, err
}

// result is sent from a worker to the collector.
type result struct {
	entry    *Entry
	canceled bool
}

func (b *Builder) mirror(ctx context.Context, refs []crate.PackageRef, report *Report) error {
	if b.OnScan != nil {
		b.OnScan(len(refs))
	}
	slog.Info("mirroring crates", "total", len(refs), "max_conns", b.config.MaxConns)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	results := make(chan result, len(refs))
	var unscheduled, canceled int
	var fatalErr, firstErr error

	var group errgroup.Group
	group.Go(func() error {
		// by closing results channel.
		defer close(results)

		var workers errgroup.Group
		// all workers must be done before results is closed.
		defer func() {
			_ = workers.Wait()
		}()

		for i, ref := range refs {
			ref := ref
			select {
			case <-runCtx.Done():
				unscheduled = len(refs) - i
				return nil
			case <-b.semaphore:
			}
			if runCtx.Err() != nil {
				b.semaphore <- struct{}{}
				unscheduled = len(refs) - i
				return nil
			}

			workers.Go(func() error {
				defer func() { b.semaphore <- struct{}{} }()
				results <- b.mirrorOne(runCtx, ref)
				return nil
			})
		}
		return nil
	})

	group.Go(func() error {
		for r := range results {
			if r.canceled {
				canceled++
				continue
			}
			report.Add(r.entry)
			if b.OnResult != nil {
				b.OnResult(r.entry)
			}
			if r.entry.Status != StatusFailed {
				continue
			}

			switch {
			case errors.Is(r.entry.Err, ErrInvalidAddress):
				if fatalErr == nil {
					fatalErr = errors.Wrap(r.entry.Err, r.entry.Ref.String())
					cancel(fatalErr)
				}
			case b.config.FailFast:
				if firstErr == nil {
					firstErr = errors.Wrap(r.entry.Err, r.entry.Ref.String())
					cancel(firstErr)
				}
			}
		}
		return nil
	})
	_ = group.Wait()

	report.setNotAttempted(unscheduled + canceled)

	slog.Info("mirror stats",
		"total", len(refs),
		"mirrored", len(report.Mirrored()),
		"skipped", len(report.Skipped()),
		"failed", len(report.Failed()),
		"not_attempted", unscheduled+canceled)

	switch {
	case fatalErr != nil:
		return fatalErr
	case firstErr != nil:
		return firstErr
	}
	return ctx.Err()
}

// mirrorOne fetches and stores a single crate unless it can be skipped.
func (b *Builder) mirrorOne(ctx context.Context, ref crate.PackageRef) result {
	entry := &Entry{Ref: ref}

	fp, err := b.storage.ArchivePath(ref)
	if err != nil {
		entry.Status = StatusFailed
		entry.Err = err
		return result{entry: entry}
	}
	// refs passed to Mirror skip the scanner's checks
	if err := ref.Validate(); err != nil {
		entry.Status = StatusFailed
		entry.Err = err
		return result{entry: entry}
	}
	entry.Path = fp

	if b.config.SkipExisting {
		exists, err := b.storage.Exists(ref)
		if err != nil {
			entry.Status = StatusFailed
			entry.Err = err
			return result{entry: entry}
		}
		if exists {
			slog.Debug("archive exists, skipping", "crate", ref.Name, "version", ref.Version, "path", fp)
			entry.Status = StatusSkipped
			return result{entry: entry}
		}
	}

	fi, err := b.httpClient.FetchAndStore(ctx, ref)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return result{canceled: true}
		}
		slog.Error("failed to mirror crate", "crate", ref.Name, "version", ref.Version, "error", err)
		entry.Status = StatusFailed
		entry.Err = err
		return result{entry: entry}
	}

	entry.Status = StatusMirrored
	entry.File = fi
	return result{entry: entry}
}
