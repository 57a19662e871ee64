package data

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	domainjob "github.com/latticeworks/dispatchq/internal/domain/job"
	"github.com/latticeworks/dispatchq/internal/domain/model"
	apperrors "github.com/latticeworks/dispatchq/internal/errors"
)

var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound error = apperrors.NotFound("job not found")
	// ErrJobNotRunning is returned when a worker-facing operation targets a
	// job that does not currently hold a running lease.
	ErrJobNotRunning error = apperrors.InvalidStatef("job is not running")
	// ErrJobNotRequeueable is returned when requeue targets a job that is not
	// in a terminal, operator-recoverable state.
	ErrJobNotRequeueable error = apperrors.InvalidStatef("job cannot be requeued (must be dead_letter, failed, or cancelled)")
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	// BaseBackoffSeconds is the default retry backoff base; failure reports
	// may override it per call.
	BaseBackoffSeconds int
	// LogCap bounds the per-job log buffer; zero uses the domain default.
	LogCap       int
	Logger       *slog.Logger
	TimeProvider TimeProvider
	// Rand overrides the jitter source for deterministic tests.
	Rand func() float64
}

// JobRepo provides the durable job store: creation, atomic reservation,
// lifecycle transitions, lease reaping, and admin queries over Postgres.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

func (r *JobRepo) logCap() int {
	if r.cfg.LogCap > 0 {
		return r.cfg.LogCap
	}
	return domainjob.DefaultLogCap
}

func (r *JobRepo) backoff(baseSeconds int) domainjob.Backoff {
	base := time.Duration(baseSeconds) * time.Second
	if baseSeconds <= 0 {
		base = time.Duration(r.cfg.BaseBackoffSeconds) * time.Second
	}
	if r.cfg.Rand != nil {
		return domainjob.NewBackoffWithRand(base, r.cfg.Rand)
	}
	return domainjob.NewBackoff(base)
}

const jobColumns = `
  id,
  job_type,
  org_id,
  object_id,
  status,
  progress,
  logs,
  params,
  priority,
  queue,
  attempts,
  max_attempts,
  last_error,
  next_run_at,
  worker_id,
  run_started_at,
  visibility_expires_at,
  finished_at,
  cancel_requested,
  created_by_user_id,
  billing_estimate,
  idempotency_key,
  created_at,
  updated_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	logs, params                         []byte
	orgID, objectID, lastError           sql.NullString
	workerID, createdByUserID, idemKey   sql.NullString
	nextRunAt, runStartedAt              sql.NullTime
	visibilityExpiresAt, finishedAt      sql.NullTime
	billingEstimate                      sql.NullFloat64
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.JobType,
		&d.orgID,
		&d.objectID,
		&job.Status,
		&job.Progress,
		&d.logs,
		&d.params,
		&job.Priority,
		&job.Queue,
		&job.Attempts,
		&job.MaxAttempts,
		&d.lastError,
		&d.nextRunAt,
		&d.workerID,
		&d.runStartedAt,
		&d.visibilityExpiresAt,
		&d.finishedAt,
		&job.CancelRequested,
		&d.createdByUserID,
		&d.billingEstimate,
		&d.idemKey,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) error {
	job.Params = cloneJSON(d.params)
	job.OrgID = cloneNullableString(d.orgID)
	job.ObjectID = cloneNullableString(d.objectID)
	job.LastError = cloneNullableString(d.lastError)
	job.WorkerID = cloneNullableString(d.workerID)
	job.CreatedByUserID = cloneNullableString(d.createdByUserID)
	job.IdempotencyKey = cloneNullableString(d.idemKey)
	job.NextRunAt = cloneNullableTime(d.nextRunAt)
	job.RunStartedAt = cloneNullableTime(d.runStartedAt)
	job.VisibilityExpiresAt = cloneNullableTime(d.visibilityExpiresAt)
	job.FinishedAt = cloneNullableTime(d.finishedAt)
	if d.billingEstimate.Valid {
		v := d.billingEstimate.Float64
		job.BillingEstimate = &v
	}

	job.Logs = nil
	if len(d.logs) > 0 {
		if err := json.Unmarshal(d.logs, &job.Logs); err != nil {
			return err
		}
	}
	return nil
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	if err := data.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
