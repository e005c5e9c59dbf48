package main

import (
	"github.com/spf13/cobra"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/tools"
)

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "List the registered pipeline capabilities",
	Long: `Capabilities prints the metadata of every registered capability as JSON.
Registration does not require live dependencies, so the listing works
without a browser, an LLM key, or Redis.`,
	Args: cobra.NoArgs,
	RunE: runCapabilities,
}

func runCapabilities(cmd *cobra.Command, _ []string) error {
	reg := tools.NewRegistry(logging.NewNop())
	if err := capabilities.RegisterAll(reg, capabilities.Deps{}); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), reg.ListMetadata())
}
