package mirror

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultRegistryURL  = "https://static.crates.io/"
	defaultMaxConns     = 8
	defaultRetries      = 3
	defaultRetryWait    = time.Second
	defaultMaxRetryWait = 30 * time.Second
	defaultTimeout      = 60 * time.Second
)

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return errors.New("no host in url: " + string(text))
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		if parsedURL.RawPath != "" {
			parsedURL.RawPath += "/"
		}
	}

	u.URL = parsedURL
	return nil
}

func (u tomlURL) MarshalText() ([]byte, error) {
	if u.URL == nil {
		return nil, nil
	}
	return []byte(u.URL.String()), nil
}

// duration is a time.Duration written as a string such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	// RegistryURL is the base of the crate download endpoint.
	RegistryURL tomlURL `toml:"registry_url"`

	MaxConns int `toml:"max_conns"`

	// Retries is the number of extra attempts after a retryable failure.
	Retries      int      `toml:"retries"`
	RetryWait    duration `toml:"retry_wait"`
	MaxRetryWait duration `toml:"max_retry_wait"`

	// Timeout bounds a single HTTP attempt, body included.
	Timeout duration `toml:"timeout"`

	// SkipExisting avoids refetching archives already present in the mirror.
	SkipExisting bool `toml:"skip_existing"`

	// FailFast stops scheduling downloads after the first failure.
	FailFast bool `toml:"fail_fast"`

	Log LogConfig `toml:"log"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	c := &Config{
		MaxConns:     defaultMaxConns,
		Retries:      defaultRetries,
		RetryWait:    duration{defaultRetryWait},
		MaxRetryWait: duration{defaultMaxRetryWait},
		Timeout:      duration{defaultTimeout},
	}
	if err := c.SetRegistryURL(defaultRegistryURL); err != nil {
		panic(err)
	}
	return c
}

// SetRegistryURL parses and sets the registry download base.
func (c *Config) SetRegistryURL(s string) error {
	return c.RegistryURL.UnmarshalText([]byte(s))
}

// SetTimeout sets the per-attempt HTTP timeout.
func (c *Config) SetTimeout(d time.Duration) {
	c.Timeout.Duration = d
}

// SetRetryWait sets the initial and the maximum backoff between attempts.
func (c *Config) SetRetryWait(base, maxWait time.Duration) {
	c.RetryWait.Duration = base
	c.MaxRetryWait.Duration = maxWait
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.RegistryURL.URL == nil {
		return errors.New("registry_url is not set")
	}
	if c.MaxConns < 1 {
		return errors.New("max_conns must be positive")
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	if c.RetryWait.Duration < 0 || c.MaxRetryWait.Duration < c.RetryWait.Duration {
		return errors.New("retry_wait must be non-negative and not exceed max_retry_wait")
	}
	if c.Timeout.Duration <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}
