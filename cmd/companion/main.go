// Command companion runs the companion service, an interactive chat
// session, or inspects companion state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/companion/internal/config"
	"github.com/scrypster/companion/internal/logging"
)

var (
	// Global flags
	verbose   bool
	statePath string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "Companion dog with memory and moods",
	Long: `companion runs a virtual dog companion. Every turn reads the user's
emotion, advances the dog's state machine, recalls what it knows about the
user, and answers in character without claiming memories it cannot back up.

Configuration comes from COMPANION_* environment variables, optionally
seeded from a .env file in the working directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return err
		}
		if statePath != "" {
			cfg.StateMachine.ConfigPath = statePath
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&statePath, "states", "", "State document (overrides COMPANION_STATE_CONFIG_PATH)")

	rootCmd.AddCommand(serveCmd, chatCmd, stateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
