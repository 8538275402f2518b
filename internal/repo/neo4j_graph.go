package repo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ariastack/aria-engine/internal/cache"
	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/metrics"
	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/utils"
)

const (
	downstreamQuery = `MATCH (down:Service)-[:DEPENDS_ON*1..2]->(s:Service {name: $service})
RETURN DISTINCT down.name AS serviceName
LIMIT 25`
	upstreamQuery = `MATCH (s:Service {name: $service})-[:DEPENDS_ON*1..2]->(up:Service)
RETURN DISTINCT up.name AS serviceName
LIMIT 25`
)

// cypherRunner executes a read query and returns the serviceName column.
type cypherRunner interface {
	serviceNames(ctx context.Context, query string, params map[string]any) ([]string, error)
	close(ctx context.Context) error
}

type neo4jRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r *neo4jRunner) serviceNames(ctx context.Context, query string, params map[string]any) ([]string, error) {
	result, err := neo4j.ExecuteQuery(ctx, r.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(r.database),
		neo4j.ExecuteQueryWithReadersRouting(),
	)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(result.Records))
	for _, record := range result.Records {
		value, ok := record.Get("serviceName")
		if !ok {
			continue
		}
		if name, ok := value.(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (r *neo4jRunner) close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// Neo4jGraph resolves blast radius from a Neo4j service dependency graph.
type Neo4jGraph struct {
	runner  cypherRunner
	timeout time.Duration
	cache   cache.Provider
	ttl     time.Duration
	logger  *slog.Logger
}

// NewNeo4jGraph constructs the dependency-graph connector. When live is false
// no driver is created and every lookup is served offline.
func NewNeo4jGraph(cfg config.Neo4jConfig, live bool, provider cache.Provider, ttl time.Duration, logger *slog.Logger) (*Neo4jGraph, error) {
	g := &Neo4jGraph{
		timeout: cfg.Timeout,
		cache:   provider,
		ttl:     ttl,
		logger:  utils.Component(logger, "neo4j"),
	}
	if g.cache == nil {
		g.cache = cache.NoopProvider{}
	}
	if !live {
		return g, nil
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	g.runner = &neo4jRunner{driver: driver, database: cfg.Database}
	return g, nil
}

// Live reports whether lookups query Neo4j.
func (g *Neo4jGraph) Live() bool { return g != nil && g.runner != nil }

// Close releases the driver.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	if !g.Live() {
		return nil
	}
	return g.runner.close(ctx)
}

// FetchBlastRadius returns downstream and upstream services within two hops
// of service. It never fails: query errors yield the offline graph.
func (g *Neo4jGraph) FetchBlastRadius(ctx context.Context, service string) models.DependencyGraph {
	if !g.Live() {
		return OfflineGraph(service)
	}

	key := "graph:" + service
	var cached models.DependencyGraph
	if cache.GetJSON(ctx, g.cache, key, &cached) {
		return cached
	}

	graph, err := g.query(ctx, service)
	if err != nil {
		g.logger.Warn("neo4j query failed, using offline graph",
			slog.String("service", service),
			slog.Any("error", err),
		)
		metrics.ObserveConnectorFallback(config.ConnectorNeo4j)
		return OfflineGraph(service)
	}

	if err := cache.SetJSON(ctx, g.cache, key, graph, g.ttl); err != nil {
		g.logger.Debug("graph cache write failed", slog.Any("error", err))
	}
	return graph
}

func (g *Neo4jGraph) query(ctx context.Context, service string) (models.DependencyGraph, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	params := map[string]any{"service": service}

	downstream, err := g.runner.serviceNames(ctx, downstreamQuery, params)
	if err != nil {
		return models.DependencyGraph{}, fmt.Errorf("downstream query: %w", err)
	}
	upstream, err := g.runner.serviceNames(ctx, upstreamQuery, params)
	if err != nil {
		return models.DependencyGraph{}, fmt.Errorf("upstream query: %w", err)
	}
	return models.DependencyGraph{
		ImpactedServices: uniqueSorted(downstream),
		UpstreamServices: uniqueSorted(upstream),
		ConnectorMode:    models.ModeLive,
	}, nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
