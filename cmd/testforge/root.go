package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

// configPath is the persistent --config flag shared by every command.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "testforge",
	Short: "Automated web test pipeline: explore, plan, generate, execute, report",
	Long: `Testforge drives a five-stage pipeline against a target web application:
it crawls the site for interactive elements, plans test cases from what it
finds, generates runnable scripts, executes them in a worker pool, and writes
a report. Stages can be gated behind human approval; gated runs suspend and
can be resumed from another process when Redis backs the state stores.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
