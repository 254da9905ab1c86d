// Package cmd provides the CLI commands for pampax.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pampax/internal/logging"
	"github.com/Aman-CERP/pampax/pkg/version"
)

var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the pampax CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pampax",
		Short: "Local-first semantic code index",
		Long: `Pampax builds a hybrid search index (BM25 + semantic) over a
codebase and serves it from a local SQLite-backed store.

Run 'pampax index .' in a project directory to build the index, then
'pampax search <query>' to query it.`,
		Version:           version.Version,
		SilenceUsage:      true,
		PersistentPreRunE: startLogging,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			stopLogging()
			return nil
		},
	}

	cmd.SetVersionTemplate("pampax version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.pampax/logs/")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newInfoCmd())

	return cmd
}

// startLogging sets up file-based structured logging exactly once per
// invocation, before any subcommand runs.
func startLogging(cmd *cobra.Command, args []string) error {
	cfg := logging.DefaultConfig()
	if debugMode {
		cfg = logging.DebugConfig()
	}

	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

func stopLogging() {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
