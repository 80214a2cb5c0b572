// Package cmd provides the callrate CLI commands.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/opensource-finance/callrate/internal/config"
	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	cfgFile string
	debug   bool

	cfg *domain.Config
)

var rootCmd = &cobra.Command{
	Use:   "callrate",
	Short: "Rate telephone calls against tariff reference data",
	Long: `callrate classifies dialed numbers into telephony types, finds the
tariff that applies at the time of the call and computes its cost.

Examples:
  callrate serve --config callrate.hcl
  callrate import --tenant acme reference.json
  callrate rate --tenant acme --dialed 3001234567 --country 1 --origin 10 --duration 95`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "HCL config file (defaults and CALLRATE_* environment when empty)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if debug {
		loaded.Logging.Level = "debug"
	}
	cfg = loaded

	slog.SetDefault(newLogger(os.Stderr, cfg.Logging))
	return nil
}

// newLogger builds the process logger from the logging config.
func newLogger(w io.Writer, lc domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "callrate %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}
