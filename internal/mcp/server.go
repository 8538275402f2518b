// Package mcp exposes the evidence connectors as Model Context Protocol tools
// so external agents can query the same backends the pipeline uses.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ariastack/aria-engine/internal/engine"
	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/repo"
	"github.com/ariastack/aria-engine/internal/utils"
)

var errServiceRequired = errors.New("service is required")

// Server wraps the MCP SDK server with the connector tools registered.
type Server struct {
	MCPServer *sdkmcp.Server

	logs     engine.LogSource
	graph    engine.GraphSource
	runbooks engine.RunbookSource
	logger   *slog.Logger
}

// NewServer creates the tool server. Run it with
// s.MCPServer.Run(ctx, &sdkmcp.StdioTransport{}).
func NewServer(version string, logs engine.LogSource, graph engine.GraphSource, runbooks engine.RunbookSource, logger *slog.Logger) *Server {
	s := &Server{
		MCPServer: sdkmcp.NewServer(&sdkmcp.Implementation{Name: "aria", Version: version}, nil),
		logs:      logs,
		graph:     graph,
		runbooks:  runbooks,
		logger:    utils.Component(logger, "mcp"),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        engine.ToolFetchDatadogLogs,
		Description: "Fetch the top error logs for a service over a recent window, ranked by severity and frequency.",
	}, s.handleFetchLogs)
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        engine.ToolGetBlastRadius,
		Description: "List services impacted by and upstream of a failing service within two dependency hops.",
	}, s.handleBlastRadius)
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        engine.ToolGetRunbooks,
		Description: "Find recorded remediation runbooks for a service, most similar first.",
	}, s.handleRunbooks)
}

type fetchLogsInput struct {
	Service       string `json:"service" jsonschema:"service name, e.g. payment-svc"`
	WindowMinutes float64 `json:"window_minutes,omitempty" jsonschema:"look-back window in minutes, 1 to 1440 (default 30)"`
}

type blastRadiusInput struct {
	Service string `json:"service" jsonschema:"service name"`
}

type runbooksInput struct {
	Service string `json:"service" jsonschema:"service name"`
	Query   string `json:"query,omitempty" jsonschema:"free text describing the symptoms"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum runbooks to return (default 3)"`
}

type runbooksOutput struct {
	Runbooks []models.Runbook `json:"runbooks"`
}

func (s *Server) handleFetchLogs(ctx context.Context, _ *sdkmcp.CallToolRequest, input fetchLogsInput) (*sdkmcp.CallToolResult, models.Evidence, error) {
	service := strings.TrimSpace(input.Service)
	if service == "" {
		return nil, models.Evidence{}, errServiceRequired
	}
	window := utils.ClampWindow(input.WindowMinutes, models.DefaultInvestigationWindowMinutes)
	ev := s.logs.FetchEvidence(ctx, service, window)
	if ev.TopErrors == nil {
		ev.TopErrors = []models.LogFinding{}
	}
	ev.Notes = nonNil(ev.Notes)
	s.logger.Debug("logs tool served", slog.String("service", service), slog.String("mode", string(ev.ConnectorMode)))
	return nil, ev, nil
}

func (s *Server) handleBlastRadius(ctx context.Context, _ *sdkmcp.CallToolRequest, input blastRadiusInput) (*sdkmcp.CallToolResult, engine.BlastRadiusOutput, error) {
	service := strings.TrimSpace(input.Service)
	if service == "" {
		return nil, engine.BlastRadiusOutput{}, errServiceRequired
	}
	graph := s.graph.FetchBlastRadius(ctx, service)
	return nil, engine.BlastRadiusOutput{
		Impacted: nonNil(graph.ImpactedServices),
		Upstream: nonNil(graph.UpstreamServices),
		Mode:     graph.ConnectorMode,
	}, nil
}

func (s *Server) handleRunbooks(ctx context.Context, _ *sdkmcp.CallToolRequest, input runbooksInput) (*sdkmcp.CallToolResult, runbooksOutput, error) {
	service := strings.TrimSpace(input.Service)
	if service == "" {
		return nil, runbooksOutput{}, errServiceRequired
	}
	limit := input.Limit
	if limit <= 0 {
		limit = repo.DefaultRunbookLimit
	}
	runbooks := s.runbooks.FetchRunbooks(ctx, service, input.Query, limit)
	if runbooks == nil {
		runbooks = []models.Runbook{}
	}
	return nil, runbooksOutput{Runbooks: runbooks}, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
