// Package service contains the business-logic layer of the dispatch engine:
// the producer/worker/operator API over the job repository, and the reaper.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/latticeworks/dispatchq/internal/core"
	domainjob "github.com/latticeworks/dispatchq/internal/domain/job"
	"github.com/latticeworks/dispatchq/internal/domain/model"
	"github.com/latticeworks/dispatchq/internal/observability/metrics"
	"github.com/latticeworks/dispatchq/internal/observability/statsd"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	DefaultLease    time.Duration             // Required: default visibility timeout
	Logger          *slog.Logger              // Optional: structured logger
	Metrics         statsd.Sink               // Optional: metrics sink (StatsD-compatible)
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
	StatsCache      core.StatsCache           // Optional: TTL cache in front of Stats
	StatsTTL        time.Duration             // Optional: TTL for cached stats
}

// JobService provides business logic for job operations.
//
// This service manages:
// - Job creation with idempotency-key deduplication
// - Reservation and lease management for worker poll cycles
// - Worker-side terminal transitions (complete/fail) and progress updates
// - Operator actions (cancel, requeue, listing, stats)
// - Pub/sub notification of job availability per queue.
type JobService struct {
	repo        core.JobRepository
	leasePolicy *domainjob.LeasePolicy
	notifier    domainjob.Notifier
	logger      *slog.Logger
	metrics     statsd.Sink
	statsCache  core.StatsCache
	statsTTL    time.Duration
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	statsTTL := opts.StatsTTL
	if statsTTL <= 0 {
		statsTTL = 5 * time.Second
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &JobService{
		repo:        opts.Repo,
		leasePolicy: leasePolicy,
		notifier:    notifier,
		logger:      logger,
		metrics:     opts.Metrics,
		statsCache:  opts.StatsCache,
		statsTTL:    statsTTL,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create creates a new job, or returns the existing job when the request
// carries an idempotency key that has already been used.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	job, err := s.repo.Create(ctx, req)
	if err != nil {
		s.emitTransition(job, "create", err)
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job created",
			"id", job.ID,
			"type", job.JobType,
			"queue", job.Queue,
			"status", job.Status,
		)
	}
	s.emitTransition(job, "create", nil)

	return job, nil
}

// Reserve atomically claims the next ready job in the queue for the given
// worker. Returns model.ErrNoJobsAvailable when the queue has nothing ready.
func (s *JobService) Reserve(
	ctx context.Context,
	queue, workerID string,
	lease time.Duration,
) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested,
			"queue", queue)
	}

	job, err := s.repo.Reserve(ctx, core.ReserveParams{
		Queue:        queue,
		WorkerID:     workerID,
		LeaseSeconds: decision.Seconds,
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("reserve job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job reserved",
			"id", job.ID,
			"queue", queue,
			"worker_id", workerID,
			"lease_seconds", decision.Seconds,
		)
	}
	s.emitTransition(job, "reserve", nil)

	return job, nil
}

// ReserveWait claims the next ready job, blocking up to maxWait for one to
// become available. Availability is signalled by the queue notifier, so idle
// workers sleep on a channel instead of busy-polling.
func (s *JobService) ReserveWait(
	ctx context.Context,
	queue, workerID string,
	lease, maxWait time.Duration,
) (*model.Job, error) {
	deadline := time.Now().Add(maxWait)

	for {
		job, err := s.Reserve(ctx, queue, workerID, lease)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, model.ErrNoJobsAvailable
		}

		unsubscribe, ch := s.Subscribe(queue)
		waited := s.waitForSignal(ctx, ch, remaining)
		unsubscribe()
		if !waited {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, model.ErrNoJobsAvailable
		}
	}
}

// waitForSignal blocks until a notification arrives, the timeout elapses, or
// the context is cancelled. Returns true only when a notification arrived.
func (s *JobService) waitForSignal(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Subscribe creates a subscription for job-availability notifications on the
// given queue. Returns an unsubscribe function and a signal channel.
func (s *JobService) Subscribe(queue string) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(queue)
}

// WaitForNotification waits for a notification indicating new jobs are available.
func (s *JobService) WaitForNotification(ctx context.Context, queue string) error {
	return s.repo.WaitForNotification(ctx, queue)
}

// Heartbeat extends the lease on a running job. Idempotent; returns false
// when the job is no longer running.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second heartbeat duration to 1 second",
			"requested_duration", decision.Requested,
			"job_id", id)
	}

	updated, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "job heartbeat updated", "id", id, "extend_seconds", decision.Seconds)
	}

	return updated, nil
}

// UpdateProgress records a progress value (clamped to 0-100) and optionally
// appends a log entry. Does not change status.
func (s *JobService) UpdateProgress(ctx context.Context, params core.ProgressParams) (bool, error) {
	updated, err := s.repo.UpdateProgress(ctx, params)
	if err != nil {
		return false, fmt.Errorf("update progress for job %s: %w", params.JobID, err)
	}
	return updated, nil
}

// Complete marks a running job as completed successfully.
func (s *JobService) Complete(ctx context.Context, params core.CompleteParams) (bool, error) {
	completed, err := s.repo.Complete(ctx, params)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", params.JobID, err)
	}

	if completed {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "job completed", "id", params.JobID)
		}
		s.emitMetric("complete", metrics.ResultSuccess, nil)
	}

	return completed, nil
}

// Fail records a failure on a running job. Depending on the attempt count and
// the Permanent flag the job transitions to retrying, dead_letter, or failed;
// the returned job reflects the resulting state.
func (s *JobService) Fail(ctx context.Context, params core.FailParams) (*model.Job, error) {
	if params.Error == "" {
		return nil, errors.New("error message required")
	}

	job, err := s.repo.Fail(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", params.JobID, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job failed",
			"id", params.JobID,
			"status", job.Status,
			"attempts", job.Attempts,
			"error", params.Error,
		)
	}
	s.emitTransition(job, "fail", nil)

	return job, nil
}

// Cancel requests cancellation of a job. Queued and retrying jobs are
// cancelled immediately; running jobs get the cooperative flag set; terminal
// jobs are returned unchanged.
func (s *JobService) Cancel(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", id, err)
	}

	s.emitTransition(job, "cancel", nil)
	return job, nil
}

// Requeue resets a dead_letter, failed, or cancelled job back to queued for
// manual recovery.
func (s *JobService) Requeue(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.Requeue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("requeue job %s: %w", id, err)
	}

	s.emitTransition(job, "requeue", nil)
	return job, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// GetStatus returns the status information for a specific job.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	return &model.JobStatusResponse{
		Status:     job.Status,
		Progress:   job.Progress,
		FinishedAt: job.FinishedAt,
		NextRunAt:  job.NextRunAt,
		LastError:  job.LastError,
	}, nil
}

// List returns a page of jobs matching the filter options.
// Pagination defaults are normalized here to avoid drift across layers.
func (s *JobService) List(ctx context.Context, opts *model.JobListOptions) (*model.JobPage, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	page, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return page, nil
}

// Stats returns per-status counts for the queue, served from the TTL cache
// when one is configured.
func (s *JobService) Stats(ctx context.Context, queue string) (*model.JobStats, error) {
	if s.statsCache != nil {
		if cached, ok, err := s.statsCache.GetStats(ctx, queue); err == nil && ok {
			return cached, nil
		} else if err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "stats cache read failed", "queue", queue, "error", err)
		}
	}

	stats, err := s.repo.Stats(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("get job stats for queue %s: %w", queue, err)
	}

	if s.statsCache != nil {
		if err := s.statsCache.SetStats(ctx, queue, stats, s.statsTTL); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "stats cache write failed", "queue", queue, "error", err)
		}
	}

	return stats, nil
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}

// emitTransition emits a lifecycle metric for the given job transition.
func (s *JobService) emitTransition(job *model.Job, transition string, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}

	in := metrics.JobMetric{
		Transition: transition,
		Result:     result,
		Err:        err,
	}
	if job != nil {
		in.JobType = job.JobType
		in.Queue = job.Queue
		in.Status = string(job.Status)
	}
	metrics.EmitJobLifecycle(s.metrics, in)
}

func (s *JobService) emitMetric(transition, result string, err error) {
	if s.metrics == nil {
		return
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: transition,
		Result:     result,
		Err:        err,
	})
}
