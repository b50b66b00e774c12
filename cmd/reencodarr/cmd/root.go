// Package cmd implements the CLI commands for reencodarr.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jmylchreest/reencodarr/internal/config"
	"github.com/jmylchreest/reencodarr/internal/observability"
	"github.com/jmylchreest/reencodarr/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "reencodarr",
	Short:   "Automated AV1 re-encoding orchestrator",
	Version: version.Version,
	Long: `reencodarr re-encodes a media library to AV1/Opus without sacrificing
perceptual quality. For each video it probes technical metadata, searches
for the highest CRF that still meets the target VMAF score (via ab-av1),
performs the encode, and atomically swaps the result back into the library.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	registerGlobalFlags(rootCmd.PersistentFlags())
}

// registerGlobalFlags installs the flags shared by every subcommand.
func registerGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cfgFile, "config", "",
		"config file (default searches ., /etc/reencodarr, $HOME/.reencodarr)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (json, text)")
}

// loadConfig reads configuration and applies CLI logging overrides. Flags
// beat env vars and config file values only when explicitly set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	applyFlagOverrides(rootCmd.PersistentFlags(), cfg)
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}
	return cfg, nil
}

// applyFlagOverrides copies explicitly-set flag values into the config.
func applyFlagOverrides(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("log-level") {
		level, _ := fs.GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
	}
	if fs.Changed("log-format") {
		format, _ := fs.GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
}

// setupLogger builds the process logger from config and installs it as the
// slog default.
func setupLogger(cfg *config.Config) *slog.Logger {
	logger := observability.NewLoggerWithWriter(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	}, os.Stderr)
	observability.SetDefault(logger)
	return logger
}
