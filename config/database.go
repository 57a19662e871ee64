package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"dispatchq"`
	Password string `env:"PASSWORD" envDefault:"dispatchq"`
	Name     string `env:"NAME"     envDefault:"dispatchq"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// CacheConfig contains the Redis-backed stats cache configuration.
type CacheConfig struct {
	// Enabled toggles the stats cache; when false, stats queries always hit Postgres.
	Enabled bool `env:"ENABLED" envDefault:"false"`

	// Redis connection settings for the cache.
	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`

	// StatsTTL is the TTL for cached queue stats.
	StatsTTL time.Duration `env:"STATS_TTL" envDefault:"5s"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.StatsTTL <= 0 {
		c.StatsTTL = 5 * time.Second
	}
	if c.RedisAddr == "" {
		c.Enabled = false
	}
}
