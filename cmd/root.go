package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandchestd",
	Short: "Sandchest control plane",
	Long:  `sandchestd is the control plane for a fleet of sandbox nodes: sandbox lifecycle, exec, sessions, files, and replay.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
