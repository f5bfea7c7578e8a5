package main

import (
	"fmt"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("demonsreg version %s (%s)\n", version, demons.DetectBackend())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
