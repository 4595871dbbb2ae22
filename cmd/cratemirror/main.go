// Package main implements the cratemirror command-line tool for mirroring
// vendored crates into a local crates.io layout.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/cratemirror/internal/mirror"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "cratemirror",
	Short: "Mirror vendored Rust crates for offline builds",
	Long: `cratemirror downloads the crates of a cargo vendor tree from crates.io and
stores them in the registry's own sharded layout, so that cargo can use the
result as a local registry mirror.

Find more information at: https://github.com/mirrorctl/cratemirror`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync <vendor-dir> <mirror-dir>",
	Short: "Download every vendored crate into the mirror",
	Long: `Scans <vendor-dir> for Cargo.toml files (one and two levels deep) and
downloads each crate's archive into <mirror-dir>/crates/<shard>/<name>/<version>/.

Usage:
  # Mirror the crates of a vendor directory
  cratemirror sync ./vendor /srv/crates-mirror

  # Keep archives already in the mirror
  cratemirror sync --skip-existing ./vendor /srv/crates-mirror

  # Stop at the first failure
  cratemirror sync --fail-fast ./vendor /srv/crates-mirror

  # Use a configuration file
  cratemirror sync --config /etc/cratemirror.toml ./vendor /srv/crates-mirror

Failures of single crates do not stop the run. They are listed at the end and
the command exits with status 1.`,
	Args: cobra.ExactArgs(2),
	Run:  runSync,
}

var scanCmd = &cobra.Command{
	Use:   "scan <vendor-dir>",
	Short: "List the crates of a vendor tree and their mirror paths",
	Args:  cobra.ExactArgs(1),
	Run:   runScan,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("cratemirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file path (optional)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	addSyncFlags(syncCmd)
}

func addSyncFlags(cmd *cobra.Command) {
	cmd.Flags().Int("max-conns", 0, "number of concurrent downloads")
	cmd.Flags().Int("retries", 0, "extra attempts for a failed download")
	cmd.Flags().Duration("timeout", 0, "timeout of a single download attempt")
	cmd.Flags().String("registry-url", "", "base URL of the crate download endpoint")
	cmd.Flags().Bool("skip-existing", false, "do not download archives already in the mirror")
	cmd.Flags().Bool("fail-fast", false, "stop at the first failure")
	cmd.Flags().Bool("no-progress", false, "do not show a progress bar")
	cmd.Flags().String("report", "", "write a JSON report of the run to this file")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	// For human-friendly output, try to extract the root message
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	// Fallback to simple error message
	return err.Error()
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	keys := make([]string, 0, len(undecoded))
	for _, key := range undecoded {
		keys = append(keys, key.String())
	}
	return "configuration contains unknown keys: " + strings.Join(keys, ", ") +
		"\nKey names are case-sensitive and must match exactly."
}

// loadConfig reads the configuration file if one was given, applies
// CRATEMIRROR_* environment overrides and the log settings, including the
// command-line overrides.
func loadConfig(cmd *cobra.Command) (*mirror.Config, error) {
	config := mirror.NewConfig()
	if configPath != "" {
		meta, err := toml.DecodeFile(configPath, config)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Newf("configuration file not found: %s", configPath)
			}
			return nil, errors.Wrapf(err, "failed to decode config file %s", configPath)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.New(formatUndecodedError(undecoded))
		}
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		return nil, errors.Wrap(err, "environment")
	}

	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
	}
	if err := config.Log.Apply(); err != nil {
		return nil, errors.Wrap(err, "log config")
	}
	return config, nil
}

// applySyncFlags overrides config values with the flags given to sync.
func applySyncFlags(cmd *cobra.Command, config *mirror.Config) error {
	flags := cmd.Flags()
	if flags.Changed("max-conns") {
		config.MaxConns, _ = flags.GetInt("max-conns")
	}
	if flags.Changed("retries") {
		config.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("timeout") {
		timeout, _ := flags.GetDuration("timeout")
		config.SetTimeout(timeout)
	}
	if flags.Changed("registry-url") {
		u, _ := flags.GetString("registry-url")
		if err := config.SetRegistryURL(u); err != nil {
			return errors.Wrap(err, "--registry-url")
		}
	}
	if flags.Changed("skip-existing") {
		config.SkipExisting, _ = flags.GetBool("skip-existing")
	}
	if flags.Changed("fail-fast") {
		config.FailFast, _ = flags.GetBool("fail-fast")
	}
	return config.Check()
}

func exitWithError(msg string, err error, verbose bool) {
	slog.Error(msg, "error", formatError(err, verbose))
	if !verbose {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	reportPath, _ := cmd.Flags().GetString("report")

	config, err := loadConfig(cmd)
	if err != nil {
		exitWithError("invalid configuration", err, verboseErrors)
	}
	if err := applySyncFlags(cmd, config); err != nil {
		exitWithError("invalid configuration", err, verboseErrors)
	}

	builder, err := mirror.NewBuilder(config, args[0], args[1])
	if err != nil {
		exitWithError("cannot prepare mirror", err, verboseErrors)
	}

	var bar *progress
	if !quiet && !noProgress {
		bar = newProgress(os.Stderr)
		builder.OnScan = bar.Start
		builder.OnResult = bar.Done
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	report, runErr := mirror.Run(ctx, builder)
	bar.Finish()

	if report != nil {
		if !quiet {
			printSummary(os.Stdout, report, time.Since(start))
		}
		if reportPath != "" {
			if err := writeJSONReport(reportPath, report); err != nil {
				slog.Error("failed to write report", "path", reportPath, "error", err)
			}
		}
	}

	if runErr != nil {
		exitWithError("mirror run failed", runErr, verboseErrors)
	}
	if !report.OK() {
		printFailures(os.Stderr, report)
		os.Exit(1)
	}
}

func runScan(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	if _, err := loadConfig(cmd); err != nil {
		exitWithError("invalid configuration", err, verboseErrors)
	}

	refs, scanErrs, err := mirror.NewScanner(args[0]).Scan(cmd.Context())
	if err != nil {
		exitWithError("scan failed", err, verboseErrors)
	}
	printRefs(os.Stdout, refs)

	if len(scanErrs) > 0 {
		for _, e := range scanErrs {
			slog.Error("manifest skipped", "error", formatError(e, verboseErrors))
		}
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	if configPath == "" {
		slog.Error("no configuration file given, use --config")
		os.Exit(1)
	}

	config, err := loadConfig(cmd)
	if err != nil {
		exitWithError("the toml configuration file is not valid", err, verboseErrors)
	}
	if err := config.Check(); err != nil {
		exitWithError("the toml configuration file is not valid", err, verboseErrors)
	}
	slog.Info("configuration is valid", "path", configPath)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
