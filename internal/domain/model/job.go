// Package model defines the core data types and structures used throughout the dispatchq job engine.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current lifecycle state of a job.
type JobStatus string

const (
	// JobStatusQueued indicates a job is waiting to be claimed.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a worker currently holds the lease.
	JobStatusRunning JobStatus = "running"
	// JobStatusRetrying indicates a failed job waiting for its next attempt.
	JobStatusRetrying JobStatus = "retrying"
	// JobStatusCompleted indicates a job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job failed with a non-retryable error.
	JobStatusFailed JobStatus = "failed"
	// JobStatusDeadLetter indicates a job exhausted its retry budget.
	JobStatusDeadLetter JobStatus = "dead_letter"
	// JobStatusCancelled indicates a job was cancelled before completion.
	JobStatusCancelled JobStatus = "cancelled"
)

// DefaultQueue is used when a create request does not name a queue.
const DefaultQueue = "default"

// DefaultMaxAttempts is used when a create request does not set a retry budget.
const DefaultMaxAttempts = 3

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobStatus is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusRetrying,
		JobStatusCompleted, JobStatusFailed, JobStatusDeadLetter, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true if no further transitions are permitted from s,
// other than an explicit operator requeue.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusDeadLetter, JobStatusCancelled:
		return true
	}
	return false
}

// Requeueable returns true if an operator may reset a job in state s back to queued.
func (s JobStatus) Requeueable() bool {
	switch s {
	case JobStatusDeadLetter, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus to allow env and query parsing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", v)
	}
	*s = v
	return nil
}

// LogEntry is a single bounded log record attached to a job row.
type LogEntry struct {
	Timestamp time.Time       `json:"ts"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// Job represents a job row with all its metadata and lifecycle bookkeeping.
type Job struct {
	ID                  string          `json:"id"                              db:"id"`
	JobType             string          `json:"job_type"                        db:"job_type"`
	OrgID               *string         `json:"org_id,omitempty"                db:"org_id"`
	ObjectID            *string         `json:"object_id,omitempty"             db:"object_id"`
	Status              JobStatus       `json:"status"                          db:"status"`
	Progress            int             `json:"progress"                        db:"progress"`
	Logs                []LogEntry      `json:"logs"                            db:"logs"`
	Params              json.RawMessage `json:"params"                          db:"params"`
	Priority            int             `json:"priority"                        db:"priority"`
	Queue               string          `json:"queue"                           db:"queue"`
	Attempts            int             `json:"attempts"                        db:"attempts"`
	MaxAttempts         int             `json:"max_attempts"                    db:"max_attempts"`
	LastError           *string         `json:"last_error,omitempty"            db:"last_error"`
	NextRunAt           *time.Time      `json:"next_run_at,omitempty"           db:"next_run_at"`
	WorkerID            *string         `json:"worker_id,omitempty"             db:"worker_id"`
	RunStartedAt        *time.Time      `json:"run_started_at,omitempty"        db:"run_started_at"`
	VisibilityExpiresAt *time.Time      `json:"visibility_expires_at,omitempty" db:"visibility_expires_at"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"           db:"finished_at"`
	CancelRequested     bool            `json:"cancel_requested"                db:"cancel_requested"`
	CreatedByUserID     *string         `json:"created_by_user_id,omitempty"    db:"created_by_user_id"`
	BillingEstimate     *float64        `json:"billing_estimate,omitempty"      db:"billing_estimate"`
	IdempotencyKey      *string         `json:"idempotency_key,omitempty"       db:"idempotency_key"`
	CreatedAt           time.Time       `json:"created_at"                      db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"                      db:"updated_at"`
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	JobType         string          `json:"job_type"`
	OrgID           *string         `json:"org_id,omitempty"`
	ObjectID        *string         `json:"object_id,omitempty"`
	Params          json.RawMessage `json:"params"`
	Priority        int             `json:"priority,omitempty"`
	Queue           string          `json:"queue,omitempty"`
	MaxAttempts     int             `json:"max_attempts,omitempty"`
	CreatedByUserID *string         `json:"created_by_user_id,omitempty"`
	BillingEstimate *float64        `json:"billing_estimate,omitempty"`
	IdempotencyKey  *string         `json:"idempotency_key,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.JobType) == "" {
		return errors.New("job type is required")
	}
	if len(r.Params) == 0 {
		return errors.New("params is required")
	}
	if !json.Valid(r.Params) {
		return errors.New("params must be valid JSON")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	if r.OrgID != nil && *r.OrgID != "" {
		if _, err := uuid.Parse(*r.OrgID); err != nil {
			return errors.New("org id must be a valid UUID")
		}
	}
	if r.IdempotencyKey != nil && strings.TrimSpace(*r.IdempotencyKey) == "" {
		return errors.New("idempotency key must not be blank when supplied")
	}
	return nil
}

// QueueOrDefault returns the requested queue or the default partition.
func (r *CreateJobRequest) QueueOrDefault() string {
	if strings.TrimSpace(r.Queue) == "" {
		return DefaultQueue
	}
	return r.Queue
}

// MaxAttemptsOrDefault returns the requested retry budget or the default.
func (r *CreateJobRequest) MaxAttemptsOrDefault() int {
	if r.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return r.MaxAttempts
}

// JobStats represents per-queue counts of jobs in each state.
type JobStats struct {
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
	Cancelled  int `json:"cancelled"`
}

// JobStatusResponse represents the status information for a specific job.
type JobStatusResponse struct {
	Status     JobStatus  `json:"status"`
	Progress   int        `json:"progress"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`
}

// ClampProgress bounds a reported progress value into the 0..100 range.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
