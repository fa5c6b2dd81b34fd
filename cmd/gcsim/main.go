// Command gcsim loads heap scenarios into a simulated managed heap, runs
// collections over them and answers referrer queries.
package main

import (
	"fmt"
	"os"

	"github.com/prateek/gcheap/config"
	"github.com/spf13/cobra"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gcsim",
	Short: "Simulate a managed heap with finalization",
	Long: `gcsim loads heap dumps (JSON or YAML) into a simulated managed heap.

Objects are allocated from the dump's type layouts, references are wired
and the dump's roots are installed. Collections, finalizers and referrer
queries then run against the live heap.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = zapcore.DebugLevel.String()
		}
		logger, err = cfg.BuildLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
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
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gcsim.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(referrersCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(allocCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
