package main

import (
	"fmt"
	"os"

	"github.com/cwbudde/demonsreg/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var forceConfig bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !forceConfig {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		}
		if err := config.CreateDefaultConfigFile(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&forceConfig, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
