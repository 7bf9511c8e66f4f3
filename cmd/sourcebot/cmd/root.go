package cmd

import (
	"sourcebot/core/config"
	"sourcebot/core/logger"

	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version    = "0.1.0"
	configFile string // --config, empty searches config.SearchPaths
)

// rootCmd is the base command. It prints help when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:           "sourcebot",
	Short:         "Sourcebot module runtime",
	Long:          "Sourcebot runs chat bot modules: it loads them in dependency order, routes commands to them and checks permissions.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (default: config.yaml in ., ./configs or /etc/sourcebot)")
}

// Execute runs the root command with ctx and returns the process exit code.
func Execute(ctx context.Context) int {
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// loadConfig reads the configuration selected by --config.
func loadConfig(l *zap.Logger) (*config.Config, error) {
	return config.Load(config.Options{File: configFile, Logger: l})
}

// newLogger builds the process logger from the configured level and format.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	l, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}
