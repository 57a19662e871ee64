package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/latticeworks/dispatchq/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// ReserveParams groups parameters for JobRepository.Reserve to keep param count ≤3.
type ReserveParams struct {
	Queue        string
	WorkerID     string
	LeaseSeconds int
}

// FailParams groups parameters for JobRepository.Fail.
type FailParams struct {
	JobID string
	Error string
	// BaseBackoffSeconds overrides the configured retry base when positive.
	BaseBackoffSeconds int
	// Permanent marks the error as non-retryable: the job fails terminally
	// regardless of remaining attempts.
	Permanent bool
}

// ProgressParams groups parameters for JobRepository.UpdateProgress.
type ProgressParams struct {
	JobID    string
	Progress int
	LogEntry *model.LogEntry
}

// CompleteParams groups parameters for JobRepository.Complete.
type CompleteParams struct {
	JobID string
	// Result is an optional summary recorded as the terminal log entry.
	Result json.RawMessage
}

// JobRepository defines the interface for job data operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Job, error)
	List(ctx context.Context, opts *model.JobListOptions) (*model.JobPage, error)
	Stats(ctx context.Context, queue string) (*model.JobStats, error)

	Reserve(ctx context.Context, params ReserveParams) (*model.Job, error)
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	UpdateProgress(ctx context.Context, params ProgressParams) (bool, error)
	Complete(ctx context.Context, params CompleteParams) (bool, error)
	Fail(ctx context.Context, params FailParams) (*model.Job, error)

	Cancel(ctx context.Context, id string) (*model.Job, error)
	Requeue(ctx context.Context, id string) (*model.Job, error)

	WaitForNotification(ctx context.Context, queue string) error
}

// PruneOldJobsParams groups parameters for ReaperRepository.PruneOldJobs.
type PruneOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for lease-reaping operations.
type ReaperRepository interface {
	// ReleaseStuckJobs requeues running jobs in the queue whose lease expired
	// before now, incrementing their attempt counter. Returns the number of
	// jobs released.
	ReleaseStuckJobs(ctx context.Context, queue string) (int64, error)

	// PruneOldJobs deletes terminal jobs with the given status older than
	// MaxAge, up to BatchSize rows per call. Returns the number of jobs
	// deleted.
	PruneOldJobs(ctx context.Context, params PruneOldJobsParams) (int64, error)
}

// StatsCache is a time-expiring key-value store for queue stats, kept behind
// an explicit interface rather than ambient module state.
type StatsCache interface {
	GetStats(ctx context.Context, queue string) (*model.JobStats, bool, error)
	SetStats(ctx context.Context, queue string, stats *model.JobStats, ttl time.Duration) error
}
