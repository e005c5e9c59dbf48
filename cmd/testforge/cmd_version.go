package main

import (
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information as JSON",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func runVersion(cmd *cobra.Command, _ []string) error {
	return printJSON(cmd.OutOrStdout(), map[string]string{
		"version":    version,
		"go_version": runtime.Version(),
	})
}
