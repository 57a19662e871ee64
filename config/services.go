package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeReaper runs the lease reaper and retention pruner.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: reaper)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// EngineConfig contains dispatch engine configuration: lease durations,
// retry backoff, and the per-job log cap.
type EngineConfig struct {
	// DefaultLease is the visibility timeout applied when a reservation does
	// not request one explicitly.
	DefaultLease time.Duration `env:"ENGINE_DEFAULT_LEASE" envDefault:"30s"`

	// BaseBackoff is the base delay for exponential retry backoff.
	BaseBackoff time.Duration `env:"ENGINE_BASE_BACKOFF" envDefault:"30s"`

	// LogCap is the maximum number of log entries retained per job.
	LogCap int `env:"ENGINE_LOG_CAP" envDefault:"1000"`
}

// Sanitize applies guardrails to engine configuration values.
func (e *EngineConfig) Sanitize() {
	if e.DefaultLease < time.Second {
		e.DefaultLease = 30 * time.Second
	}
	if e.BaseBackoff < time.Second {
		e.BaseBackoff = 30 * time.Second
	}
	if e.LogCap < 1 {
		e.LogCap = 1000
	}
}

// ReaperConfig contains lease reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`

	// Queues is the comma-delimited list of queues the reaper sweeps.
	Queues []string `env:"REAPER_QUEUES" envDefault:"default"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed, dead-letter, and cancelled
	// jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"720h"` // 30 days

	// PruneBatchSize is the maximum number of rows to delete per prune pass.
	// Batching prevents long locks and I/O spikes on large tables.
	PruneBatchSize int `env:"REAPER_PRUNE_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < time.Second {
		r.Interval = time.Second
	}
	if len(r.Queues) == 0 {
		r.Queues = []string{"default"}
	}
	if r.CompletedMaxAge < time.Hour {
		r.CompletedMaxAge = time.Hour
	}
	if r.FailedMaxAge < time.Hour {
		r.FailedMaxAge = time.Hour
	}
	if r.PruneBatchSize < 1 {
		r.PruneBatchSize = 1
	}
	if r.PruneBatchSize > 10000 {
		r.PruneBatchSize = 10000
	}
}
