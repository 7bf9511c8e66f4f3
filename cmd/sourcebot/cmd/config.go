package cmd

import (
	"sourcebot/core/config"

	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		file := cfg.File()
		if file == "" {
			file = "built-in defaults"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s).\n", file)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example configuration file",
	Long:  "Write an example configuration file. An existing file is never overwritten.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultFile
		if len(args) > 0 {
			path = args[0]
		} else if configFile != "" {
			path = configFile
		}
		created, err := config.WriteExample(path)
		if err != nil {
			return err
		}
		if !created {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already exists, left unchanged.\n", path)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Example configuration written to %s.\n", path)
		return nil
	},
}
