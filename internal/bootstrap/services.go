package bootstrap

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/latticeworks/dispatchq/config"
	"github.com/latticeworks/dispatchq/internal/core"
	"github.com/latticeworks/dispatchq/internal/data"
	"github.com/latticeworks/dispatchq/internal/observability/statsd"
	"github.com/latticeworks/dispatchq/internal/service"
)

// BuildMetricsSink constructs the StatsD sink from observability config.
// Returns a disabled sink when metrics are off, so callers never nil-check.
func BuildMetricsSink(cfg config.ObservabilityMetricsConfig, logger *slog.Logger) (*statsd.Client, error) {
	client, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.IsEnabled(),
		Address: cfg.StatsdAddress,
		Prefix:  "dispatchq",
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create statsd client: %w", err)
	}
	return client, nil
}

// BuildJobRepo constructs the job repository with engine defaults applied.
func BuildJobRepo(db *sql.DB, cfg config.EngineConfig, logger *slog.Logger) *data.JobRepo {
	return data.NewJobRepo(db, data.RepoConfig{
		BaseBackoffSeconds: int(cfg.BaseBackoff.Seconds()),
		LogCap:             cfg.LogCap,
		Logger:             logger,
	})
}

// BuildJobService wires the job service from the repository, engine config,
// and optional cache client.
func BuildJobService(
	repo *data.JobRepo,
	cfg *config.AppConfig,
	cache redis.UniversalClient,
	logger *slog.Logger,
	sink statsd.Sink,
) (*service.JobService, error) {
	var statsCache core.StatsCache
	if cache != nil {
		statsCache = data.NewRedisStatsCache(cache)
	}

	svc, err := service.NewJobService(service.JobServiceOptions{
		Repo:         repo,
		DefaultLease: cfg.Engine.DefaultLease,
		Logger:       logger,
		Metrics:      sink,
		StatsCache:   statsCache,
		StatsTTL:     cfg.Cache.StatsTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create job service: %w", err)
	}
	return svc, nil
}
