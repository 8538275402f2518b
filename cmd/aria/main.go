// aria is the incident engine CLI.
//
// Usage:
//
//	aria serve [--config=<path>]
//	aria investigate (--alert=<file|-> | --demo) [--grpc=<addr>]
//	aria mcp
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "aria",
		Short: "Automated incident triage, investigation and root-cause analysis",
		Long: "aria runs a three-stage incident pipeline (triage, investigation, RCA)\n" +
			"over Datadog logs, a Neo4j dependency graph, MongoDB runbooks and Bedrock reasoning,\n" +
			"falling back to deterministic offline answers whenever a backend is unavailable.",
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (default $ARIA_CONFIG)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newInvestigateCmd(&configPath))
	root.AddCommand(newMCPCmd(&configPath))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
