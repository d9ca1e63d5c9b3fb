package cmd

import (
	"os"

	"github.com/mezonai/blockclique/logx"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "blockclique",
	Short: "Multi-threaded block graph node",
	Long:  "Command line interface for running and initializing a blockclique consensus node.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed:", err)
		os.Exit(1)
	}
}
