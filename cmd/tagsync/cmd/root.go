// Package cmd implements the CLI commands for tagsync.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/tagsync/internal/config"
	"github.com/jmylchreest/tagsync/internal/observability"
	"github.com/jmylchreest/tagsync/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	// appConfig and logger are set by the root PersistentPreRunE.
	appConfig *config.Config
	logger    *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "tagsync",
	Short:   "Keep price-tag displays registered and supplied with media",
	Version: version.Short(),
	Long: `tagsync sweeps the store network for price-tag displays, keeps the
location registry in step with what it finds, and delivers scheduled or
manually uploaded media to each display.

Run "tagsync run" for the daemon, or "tagsync scan" and "tagsync deliver"
for a single cycle.`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initConfig()
	}

	// Flags override config and environment only when set explicitly.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tagsync.yaml, $HOME/.config/tagsync/tagsync.yaml or /etc/tagsync/tagsync.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig loads the configuration and sets up the default logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (TAGSYNC_LOGGING_LEVEL, TAGSYNC_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults
func initConfig() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyLogFlags(rootCmd.PersistentFlags(), &cfg.Logging)

	logger = observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)
	appConfig = cfg
	return nil
}

func applyLogFlags(flags *pflag.FlagSet, cfg *config.LoggingConfig) {
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		cfg.Format = strings.ToLower(format)
	}
	// Handle "warning" as an alias for "warn"
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
}
