package mirror

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

const userAgent = "cratemirror (+https://github.com/mirrorctl/cratemirror)"

// HTTPClient downloads crate archives from the registry into Storage.
type HTTPClient struct {
	client       *http.Client
	base         *url.URL
	storage      *Storage
	retries      int
	retryWait    time.Duration
	maxRetryWait time.Duration
	timeout      time.Duration
}

// NewHTTPClient creates a new HTTP client for downloads.
func NewHTTPClient(config *Config, storage *Storage) *HTTPClient {
	return &HTTPClient{
		client:       clonedTransport(config.MaxConns),
		base:         config.RegistryURL.URL,
		storage:      storage,
		retries:      config.Retries,
		retryWait:    config.RetryWait.Duration,
		maxRetryWait: config.MaxRetryWait.Duration,
		timeout:      config.Timeout.Duration,
	}
}

// FetchAndStore downloads the archive for ref and stores it at the path
// derived from its name and version.
//
// Transport errors and 408, 429 and 5xx responses are retried with
// exponential backoff. Once a request is sent it is not interrupted by
// ctx, only by the per-attempt timeout, so a stop request never leaves a
// torn archive behind. ctx is checked between attempts.
func (h *HTTPClient) FetchAndStore(ctx context.Context, ref crate.PackageRef) (*crate.FileInfo, error) {
	if _, err := ref.Path(); err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	u := ref.DownloadURL(h.base)
	attempts := h.retries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := exponentialDelay(attempt-1, h.retryWait, h.maxRetryWait)
			slog.Warn("retrying download", "crate", ref.Name, "version", ref.Version,
				"attempt", attempt, "max_attempts", attempts, "wait", wait, "error", lastErr)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		// allow interrupts
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		fi, err := h.fetchOnce(ctx, ref, u)
		if err == nil {
			slog.Debug("crate downloaded", "crate", ref.Name, "version", ref.Version, "size", fi.Size())
			return fi, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, errors.Wrapf(lastErr, "download failed after %d attempts", attempts)
}

func (h *HTTPClient) fetchOnce(ctx context.Context, ref crate.PackageRef, u *url.URL) (*crate.FileInfo, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{Ref: ref, URL: u.String(), Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &FetchError{Ref: ref, URL: u.String(), Err: err}
	}
	defer closeRespBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Ref: ref, URL: u.String(), Status: resp.StatusCode}
	}

	fi, err := h.storage.Store(ref, resp.Body)
	if err != nil {
		if errors.Is(err, ErrIO) || errors.Is(err, ErrInvalidAddress) {
			return nil, err
		}
		// reading the body failed
		return nil, &FetchError{Ref: ref, URL: u.String(), Err: err}
	}
	return fi, nil
}

// isRetryable returns true for transport failures and for responses a
// later attempt may get right.
func isRetryable(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	switch {
	case fe.Status == 0:
		return true
	case fe.Status == http.StatusRequestTimeout, fe.Status == http.StatusTooManyRequests:
		return true
	case fe.Status >= 500:
		return true
	}
	return false
}

// exponentialDelay returns min(baseWait * 2^(attempt-1), maxWait).
func exponentialDelay(attempt int, baseWait, maxWait time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return maxWait
	}
	return min(baseWait*time.Duration(1<<(attempt-1)), maxWait)
}

// closeRespBody drains and closes HTTP response body.
func closeRespBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates a new HTTP client with transport settings sized
// for maxConns concurrent downloads from one host.
func clonedTransport(maxConns int) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxConnsPerHost = maxConns
	tr.MaxIdleConnsPerHost = maxConns
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}
}
