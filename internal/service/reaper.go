package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latticeworks/dispatchq/config"
	"github.com/latticeworks/dispatchq/internal/core"
	"github.com/latticeworks/dispatchq/internal/domain/model"
	obserrors "github.com/latticeworks/dispatchq/internal/observability/errors"
	"github.com/latticeworks/dispatchq/internal/observability/metrics"
	"github.com/latticeworks/dispatchq/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository // Required: reaper repository
	Config  config.ReaperConfig   // Required: reaper configuration
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ReaperService reclaims jobs abandoned by crashed workers and prunes
// terminal jobs past their retention window.
//
// This service manages:
// - Releasing running jobs whose lease expired back to the ready pool.
// - Deleting old completed jobs to prevent database bloat.
// - Deleting old failed, dead-letter, and cancelled jobs.
type ReaperService struct {
	repo    core.ReaperRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"queues", opts.Config.Queues,
			"completed_max_age", opts.Config.CompletedMaxAge,
			"failed_max_age", opts.Config.FailedMaxAge,
		)
	}

	return &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// It performs sweep operations at the configured interval.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service",
			"interval", s.config.Interval,
			"queues", s.config.Queues,
		)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run a sweep immediately after jitter
	if err := s.runSweep(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		// Graceful shutdown during jitter
	}
}

// runLoop runs the sweep loop until context is cancelled.
func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			// Return nil on graceful shutdown to avoid treating it as a failure
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runSweep(ctx); err != nil {
				s.logSweepError(err, "sweep")
				// Continue running despite errors
			}
		}
	}
}

// runSweep performs one full pass: release expired leases on every configured
// queue, then prune terminal jobs past retention.
func (s *ReaperService) runSweep(ctx context.Context) error {
	start := time.Now()
	var (
		errs        []error
		metricsData = sweepMetrics{}
	)

	released, err := s.releaseStuckJobs(ctx)
	metricsData.ReleasedCount = released
	metricsData.ReleasedErr = suppressContextCancellation(err)
	if err != nil {
		errs = append(errs, fmt.Errorf("release stuck jobs: %w", err))
	}

	pruned, err := s.pruneOldJobs(ctx)
	metricsData.PrunedCount = pruned
	metricsData.PrunedErr = suppressContextCancellation(err)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune old jobs: %w", err))
	}

	metricsData.Elapsed = time.Since(start)
	s.emitSweepMetrics(metricsData)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("sweep failed: %w", joined)
	}

	return nil
}

// releaseStuckJobs releases expired leases on all configured queues
// concurrently. Each queue sweep is advisory-lock guarded in the repository,
// so overlapping instances are safe.
func (s *ReaperService) releaseStuckJobs(ctx context.Context) (int64, error) {
	counts := make([]int64, len(s.config.Queues))

	g, gctx := errgroup.WithContext(ctx)
	for i, queue := range s.config.Queues {
		g.Go(func() error {
			count, err := s.repo.ReleaseStuckJobs(gctx, queue)
			counts[i] = count
			if err != nil {
				return fmt.Errorf("queue %s: %w", queue, err)
			}
			return nil
		})
	}
	err := g.Wait()

	var total int64
	for _, c := range counts {
		total += c
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "released stuck jobs", "count", total)
	}

	return total, err
}

// pruneOldJobs deletes terminal jobs past their retention window.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *ReaperService) pruneOldJobs(ctx context.Context) (int64, error) {
	retention := []struct {
		status model.JobStatus
		maxAge time.Duration
	}{
		{model.JobStatusCompleted, s.config.CompletedMaxAge},
		{model.JobStatusFailed, s.config.FailedMaxAge},
		{model.JobStatusDeadLetter, s.config.FailedMaxAge},
		{model.JobStatusCancelled, s.config.FailedMaxAge},
	}

	var totalCount int64
	for _, r := range retention {
		var statusCount int64
		for {
			count, err := s.repo.PruneOldJobs(ctx, core.PruneOldJobsParams{
				Status:    r.status,
				MaxAge:    r.maxAge,
				BatchSize: s.config.PruneBatchSize,
			})
			if err != nil {
				return totalCount, err
			}
			if count == 0 {
				break
			}
			statusCount += count
			totalCount += count

			// Check context between batches
			if ctx.Err() != nil {
				return totalCount, ctx.Err()
			}
		}

		if statusCount > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "pruned old jobs",
				"status", r.status,
				"count", statusCount,
				"max_age", r.maxAge,
			)
		}
	}

	return totalCount, nil
}

type sweepMetrics struct {
	ReleasedCount int64
	ReleasedErr   error
	PrunedCount   int64
	PrunedErr     error
	Elapsed       time.Duration
}

func (s *ReaperService) emitSweepMetrics(m sweepMetrics) {
	if s.metrics == nil {
		return
	}

	totalCount := m.ReleasedCount + m.PrunedCount
	firstErr := firstError(m.ReleasedErr, m.PrunedErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.sweep", 1, tags)

	if m.Elapsed > 0 {
		s.metrics.Timing("reaper.sweep_duration", m.Elapsed, metrics.CloneTags(tags))
	}

	s.emitSweepOperationMetric("release_stuck", m.ReleasedCount, m.ReleasedErr)
	s.emitSweepOperationMetric("prune_old", m.PrunedCount, m.PrunedErr)

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitSweepOperationMetric(operation string, count int64, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.sweep_operation", 1, tags)

	if err == nil && count > 0 {
		s.metrics.Count("reaper.jobs_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
