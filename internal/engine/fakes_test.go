package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/synthesis"
	"github.com/ariastack/aria-engine/internal/utils"
)

type fakeReasoner struct {
	enabled    bool
	invoke     func(ctx context.Context, system string, tools []synthesis.Tool, user string) (string, error)
	synthesize func(ctx context.Context, incident any) (string, error)

	mu          sync.Mutex
	invocations int
}

func (f *fakeReasoner) Enabled() bool { return f.enabled }

func (f *fakeReasoner) Invoke(ctx context.Context, system string, tools []synthesis.Tool, user string) (string, error) {
	f.mu.Lock()
	f.invocations++
	f.mu.Unlock()
	if f.invoke == nil {
		return "", synthesis.ErrDisabled
	}
	return f.invoke(ctx, system, tools, user)
}

func (f *fakeReasoner) SynthesizeRCA(ctx context.Context, incident any) (string, error) {
	if f.synthesize == nil {
		return "", synthesis.ErrDisabled
	}
	return f.synthesize(ctx, incident)
}

func callTool(t *testing.T, ctx context.Context, tools []synthesis.Tool, name, input string) string {
	t.Helper()
	for _, tool := range tools {
		if tool.Name == name {
			out, err := tool.Handler(ctx, json.RawMessage(input))
			if err != nil {
				t.Fatalf("tool %s: %v", name, err)
			}
			return out
		}
	}
	t.Fatalf("tool %s not registered", name)
	return ""
}

type fakeLogs struct {
	evidence models.Evidence

	mu      sync.Mutex
	windows []int
}

func (f *fakeLogs) FetchEvidence(_ context.Context, service string, windowMinutes int) models.Evidence {
	f.mu.Lock()
	f.windows = append(f.windows, windowMinutes)
	f.mu.Unlock()
	return f.evidence
}

type fakeGraph struct {
	graph models.DependencyGraph
	delay time.Duration
}

func (f *fakeGraph) FetchBlastRadius(ctx context.Context, _ string) models.DependencyGraph {
	sleepCtx(ctx, f.delay)
	return f.graph
}

type fakeRunbooks struct {
	runbooks []models.Runbook
	delay    time.Duration
}

func (f *fakeRunbooks) FetchRunbooks(ctx context.Context, _, _ string, _ int) []models.Runbook {
	sleepCtx(ctx, f.delay)
	return f.runbooks
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// captureLogger records JSON log lines for assertions.
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return utils.NewLoggerTo(&buf, "debug", true), &buf
}

type logRecord struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
	Stage string `json:"stage"`
	Tier  string `json:"tier"`
}

func records(t *testing.T, buf *bytes.Buffer) []logRecord {
	t.Helper()
	var out []logRecord
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func failuresByTier(t *testing.T, buf *bytes.Buffer) map[string]int {
	t.Helper()
	counts := map[string]int{}
	for _, rec := range records(t, buf) {
		if rec.Msg == "resolution attempt failed" {
			counts[rec.Tier]++
		}
	}
	return counts
}

func paymentAlert() models.Alert {
	return models.Alert{
		IncidentID:   "inc-2026-02-20-payment-latency",
		Service:      "payment-svc",
		Summary:      "Payment service p99 latency at 4.2s and error rate at 12%",
		P99LatencyMs: 4200,
		ErrorRatePct: 12,
		StartedAt:    "2026-02-20T11:52:00Z",
	}
}

func sampleEvidence(mode models.ConnectorMode) models.Evidence {
	return models.Evidence{
		WindowStart: "2026-02-20T11:30:00Z",
		WindowEnd:   "2026-02-20T12:00:00Z",
		TopErrors: []models.LogFinding{
			{Timestamp: "2026-02-20T11:59:00Z", Level: "error", Message: "Connection pool exhausted"},
			{Timestamp: "2026-02-20T11:58:00Z", Level: "error", Message: "DB query timeout"},
		},
		TracesSummary:  "traces",
		MetricsSummary: "metrics",
		ConnectorMode:  mode,
		Notes:          []string{},
	}
}

func sampleRunbooks() []models.Runbook {
	return []models.Runbook{
		{Title: "Pool playbook", Summary: "pool", Steps: []string{"Raise pool.", "Add breaker.", "Fail fast.", "Page DBA."}, SimilarityScore: 0.93},
		{Title: "Retry SOP", Summary: "retries", Steps: []string{"Add breaker.", "Backoff with jitter.", "Cap in-flight."}, SimilarityScore: 0.86},
	}
}
