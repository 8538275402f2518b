package main

import (
	"os"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/ariastack/aria-engine/internal/config"
	mcpserver "github.com/ariastack/aria-engine/internal/mcp"
	"github.com/ariastack/aria-engine/internal/utils"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the log, blast-radius and runbook tools over MCP stdio",
		Long: `Starts an MCP server over stdin/stdout exposing fetch_datadog_logs,
get_blast_radius and get_runbooks. Logs go to stderr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			srv := mcpserver.NewServer(version, rt.logs, rt.graph, rt.runbooks, logger)
			logger.Info("starting aria MCP server over stdio")
			return srv.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
		},
	}
}
