package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/latticeworks/dispatchq/internal/domain/model"
)

// RedisStatsCache implements core.StatsCache using Redis.
// Queue stats are a hot read on dashboards but only need to be
// seconds-fresh, so they are served from a short-TTL cache in front of the
// aggregate query.
type RedisStatsCache struct {
	client redis.UniversalClient
}

// NewRedisStatsCache creates a new RedisStatsCache with the given Redis client.
func NewRedisStatsCache(client redis.UniversalClient) *RedisStatsCache {
	return &RedisStatsCache{client: client}
}

func statsKey(queue string) string {
	return "dispatchq:stats:" + queue
}

// GetStats retrieves cached stats for a queue. The second return value
// reports whether the cache held an entry.
func (r *RedisStatsCache) GetStats(ctx context.Context, queue string) (*model.JobStats, bool, error) {
	if queue == "" {
		return nil, false, errors.New("queue cannot be empty")
	}

	raw, err := r.client.Get(ctx, statsKey(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil // Cache miss
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var stats model.JobStats
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		// A corrupt entry is treated as a miss; the caller refreshes it.
		return nil, false, nil
	}
	return &stats, true, nil
}

// SetStats stores stats for a queue with the given TTL.
func (r *RedisStatsCache) SetStats(ctx context.Context, queue string, stats *model.JobStats, ttl time.Duration) error {
	if queue == "" {
		return errors.New("queue cannot be empty")
	}
	if stats == nil {
		return errors.New("stats cannot be nil")
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	return r.client.Set(ctx, statsKey(queue), raw, ttl).Err()
}

// Health checks the health of the Redis connection.
func (r *RedisStatsCache) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// RedisConfig holds configuration for Redis connection.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
	}
}

// NewRedisClient creates a new Redis client with the given configuration.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
