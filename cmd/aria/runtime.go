package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariastack/aria-engine/internal/cache"
	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/engine"
	"github.com/ariastack/aria-engine/internal/repo"
	"github.com/ariastack/aria-engine/internal/services"
	"github.com/ariastack/aria-engine/internal/synthesis"
)

// runtime holds the connectors and services shared by every command.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	cache    cache.Provider
	bedrock  *synthesis.BedrockClient
	logs     *repo.DatadogLogs
	graph    *repo.Neo4jGraph
	runbooks *repo.MongoRunbooks
	service  *services.IncidentService
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, cache: newCacheProvider(cfg.Cache, logger)}

	fixtures, err := repo.LoadRunbookFixtures(cfg.Runbooks.FixturesPath, time.Now())
	if err != nil {
		return nil, err
	}

	rt.bedrock = synthesis.NewBedrockClient(ctx, cfg.Bedrock, cfg.ConnectorLive(config.ConnectorBedrock), logger)
	rt.logs = repo.NewDatadogLogs(cfg.Datadog, cfg.ConnectorLive(config.ConnectorDatadog), logger)

	rt.graph, err = repo.NewNeo4jGraph(cfg.Neo4j, cfg.ConnectorLive(config.ConnectorNeo4j), rt.cache, cfg.Cache.ServiceGraphTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("neo4j connector: %w", err)
	}

	connectTimeout := cfg.MongoDB.Timeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	rt.runbooks, err = repo.NewMongoRunbooks(connectCtx, cfg.MongoDB, cfg.ConnectorLive(config.ConnectorMongoDB), fixtures, rt.cache, cfg.Cache.RunbooksTTL, logger)
	if err != nil {
		_ = rt.graph.Close(ctx)
		return nil, fmt.Errorf("mongodb connector: %w", err)
	}

	pipeline := engine.NewPipeline(rt.bedrock, rt.logs, rt.graph, rt.runbooks, logger)
	rt.service = services.NewIncidentService(logger, pipeline, rt.bedrock)

	logger.Info("connectors configured",
		slog.String("mode", cfg.Mode),
		slog.Bool("bedrock", rt.bedrock.Enabled()),
		slog.Bool("datadog", rt.logs.Live()),
		slog.Bool("neo4j", rt.graph.Live()),
		slog.Bool("mongodb", rt.runbooks.Live()),
	)
	return rt, nil
}

func (rt *runtime) Close(ctx context.Context) {
	if err := rt.graph.Close(ctx); err != nil {
		rt.logger.Warn("neo4j close", slog.Any("error", err))
	}
	if err := rt.runbooks.Close(ctx); err != nil {
		rt.logger.Warn("mongodb close", slog.Any("error", err))
	}
	if err := rt.cache.Close(); err != nil {
		rt.logger.Warn("cache close", slog.Any("error", err))
	}
}

// newCacheProvider prefers Valkey, falls back to an in-process cache when
// caching is enabled without an address, and otherwise caches nothing.
func newCacheProvider(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled {
		return cache.NoopProvider{}
	}
	if cfg.Addr == "" {
		return cache.NewMemoryProvider()
	}
	provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
	})
	if err != nil {
		logger.Warn("valkey cache unavailable", slog.Any("error", err))
		return cache.NoopProvider{}
	}
	return provider
}
