package api

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ariastack/aria-engine/internal/cache"
	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/engine"
	"github.com/ariastack/aria-engine/internal/repo"
	"github.com/ariastack/aria-engine/internal/services"
	"github.com/ariastack/aria-engine/internal/synthesis"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// offlineService builds the incident service over the offline connectors.
func offlineService(t *testing.T) *services.IncidentService {
	t.Helper()
	ctx := context.Background()
	graph, err := repo.NewNeo4jGraph(config.Neo4jConfig{}, false, cache.NoopProvider{}, 0, nil)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	runbooks, err := repo.NewMongoRunbooks(ctx, config.MongoDBConfig{}, false, nil, cache.NoopProvider{}, 0, nil)
	if err != nil {
		t.Fatalf("runbooks: %v", err)
	}
	bedrock := synthesis.NewBedrockClient(ctx, config.BedrockConfig{}, false, nil)
	pipeline := engine.NewPipeline(bedrock, repo.NewDatadogLogs(config.DatadogConfig{}, false, nil), graph, runbooks, quietLogger())
	return services.NewIncidentService(quietLogger(), pipeline, bedrock)
}

const demoAlertJSON = `{"incidentId":"inc-1","service":"payment-svc","summary":"Payment p99 at 4.2s","p99LatencyMs":4200,"errorRatePct":12,"startedAt":"2026-02-20T12:00:00Z"}`
