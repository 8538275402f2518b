package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ariastack/aria-engine/internal/cache"
	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/models"
)

type fakeRunner struct {
	results map[string][]string
	err     error
	calls   int
}

func (f *fakeRunner) serviceNames(_ context.Context, query string, params map[string]any) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if params["service"] != "payment-svc" {
		return nil, errors.New("unexpected service param")
	}
	return f.results[query], nil
}

func (f *fakeRunner) close(context.Context) error { return nil }

func newFakeGraph(t *testing.T, runner *fakeRunner, provider cache.Provider) *Neo4jGraph {
	t.Helper()
	g, err := NewNeo4jGraph(config.Neo4jConfig{}, false, provider, 0, nil)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	g.runner = runner
	return g
}

func TestNeo4jFetchBlastRadiusLive(t *testing.T) {
	runner := &fakeRunner{results: map[string][]string{
		downstreamQuery: {"order-api", "checkout-svc", "order-api"},
		upstreamQuery:   {"orders-db"},
	}}
	g := newFakeGraph(t, runner, nil)

	got := g.FetchBlastRadius(context.Background(), "payment-svc")
	want := models.DependencyGraph{
		ImpactedServices: []string{"checkout-svc", "order-api"},
		UpstreamServices: []string{"orders-db"},
		ConnectorMode:    models.ModeLive,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestNeo4jFetchBlastRadiusFallsBack(t *testing.T) {
	g := newFakeGraph(t, &fakeRunner{err: errors.New("ServiceUnavailable")}, nil)
	got := g.FetchBlastRadius(context.Background(), "payment-svc")
	if diff := cmp.Diff(OfflineGraph("payment-svc"), got); diff != "" {
		t.Fatalf("expected offline graph (-want +got):\n%s", diff)
	}
}

func TestNeo4jFetchBlastRadiusUsesCache(t *testing.T) {
	runner := &fakeRunner{results: map[string][]string{downstreamQuery: {"checkout-svc"}}}
	g := newFakeGraph(t, runner, cache.NewMemoryProvider())
	g.ttl = time.Minute

	first := g.FetchBlastRadius(context.Background(), "payment-svc")
	second := g.FetchBlastRadius(context.Background(), "payment-svc")
	if runner.calls != 2 {
		t.Fatalf("expected one pair of queries, got %d calls", runner.calls)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("cached graph differs (-first +second):\n%s", diff)
	}
}

func TestNeo4jOfflineWhenNotLive(t *testing.T) {
	g, err := NewNeo4jGraph(config.Neo4jConfig{}, false, nil, 0, nil)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	got := g.FetchBlastRadius(context.Background(), "payment-svc")
	want := []string{"checkout-svc", "order-api", "fraud-detection-svc"}
	if diff := cmp.Diff(want, got.ImpactedServices); diff != "" {
		t.Fatalf("impacted mismatch (-want +got):\n%s", diff)
	}
	if got.ConnectorMode != models.ModeMock {
		t.Fatalf("expected mock mode")
	}
}
