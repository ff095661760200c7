package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/trustchain/cmd/trustchain/commands"
	"github.com/systmms/trustchain/internal/config"
	"github.com/systmms/trustchain/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile     string
		noColor        bool
		debug          bool
		nonInteractive bool
	)

	// Create config placeholder
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "trustchain",
		Short: "Manage the secure-boot signing key hierarchy",
		Long: `trustchain manages the lifecycle of the secure-boot trust chain:
a root key, a platform key certified by root, a key-exchange key (KEK)
certified by platform, and a database (DB) key certified by the KEK.

It evaluates rotation policies, rotates keys with backup-before-rotate
ordering, handles emergency revocations, and keeps an append-only audit
trail and revocation list.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize logger with parsed flags
			logger := logging.New(debug, noColor)

			cfg.Path = configFile
			cfg.Logger = logger
			cfg.NonInteractive = nonInteractive
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "trustchain.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Non-interactive mode")

	// Add commands
	rootCmd.AddCommand(
		commands.NewInitCommand(cfg),
		commands.NewCheckCommand(cfg),
		commands.NewRotateCommand(cfg),
		commands.NewEmergencyCommand(cfg),
		commands.NewStatusCommand(cfg),
		commands.NewHistoryCommand(cfg),
		commands.NewIncidentsCommand(cfg),
		commands.NewVerifyCommand(cfg),
		commands.NewCompletionCommand(cfg),
	)

	return rootCmd.Execute()
}
