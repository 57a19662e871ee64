package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/latticeworks/dispatchq/internal/core"
	"github.com/latticeworks/dispatchq/internal/data/pgxutil"
	domainjob "github.com/latticeworks/dispatchq/internal/domain/job"
	"github.com/latticeworks/dispatchq/internal/domain/model"
	apperrors "github.com/latticeworks/dispatchq/internal/errors"
)

// Name of the partial unique index backing idempotency-key deduplication.
const idempotencyKeyIndex = "jobs_idempotency_key_uidx"

// appendLogExpr builds the capped append expression for the jobs.logs column:
// at or above capacity only the newest cap-1 entries are kept before the new
// one is concatenated, so a row that outgrew a lowered cap converges back
// under it on the next append.
func (r *JobRepo) appendLogExpr(placeholder int) string {
	capacity := r.logCap()
	return fmt.Sprintf(`(CASE WHEN jsonb_array_length(logs) >= %d THEN (
		SELECT COALESCE(jsonb_agg(t.entry ORDER BY t.ord), '[]'::jsonb)
		FROM jsonb_array_elements(logs) WITH ORDINALITY AS t(entry, ord)
		WHERE t.ord > jsonb_array_length(logs) - %d
	) ELSE logs END) || $%d::jsonb`, capacity, capacity-1, placeholder)
}

// SQL used by Reserve to atomically claim the best-ranked ready job.
// The locking read skips rows claimed by concurrent transactions and the
// update happens in the same statement, so at most one caller wins a row.
const reserveUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE queue = $1
      AND status IN ('queued', 'retrying')
      AND (next_run_at IS NULL OR next_run_at <= $2)
      AND NOT cancel_requested
    ORDER BY priority DESC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    worker_id = $3,
    run_started_at = $4,
    visibility_expires_at = $5,
    next_run_at = NULL,
    updated_at = $4
  FROM cte
  WHERE j.id = cte.id
  RETURNING ` + prefixedJobColumns

const prefixedJobColumns = `
    j.id, j.job_type, j.org_id, j.object_id, j.status, j.progress, j.logs,
    j.params, j.priority, j.queue, j.attempts, j.max_attempts, j.last_error,
    j.next_run_at, j.worker_id, j.run_started_at, j.visibility_expires_at,
    j.finished_at, j.cancel_requested, j.created_by_user_id,
    j.billing_estimate, j.idempotency_key, j.created_at, j.updated_at`

// Create inserts a new queued job, or returns the existing row when the
// request carries an idempotency key that has been seen before.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	if req.IdempotencyKey != nil {
		existing, err := r.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			if r.logger != nil {
				r.logger.DebugContext(ctx, "duplicate job creation deduplicated",
					"idempotency_key", *req.IdempotencyKey,
					"job_id", existing.ID,
				)
			}
			return existing, nil
		}
	}

	job, err := r.insertJob(ctx, req)
	if err == nil {
		return job, nil
	}

	// A concurrent producer may have raced the pre-check; the partial unique
	// index is the authority, so resolve the conflict by returning the winner.
	if req.IdempotencyKey != nil && apperrors.IsUniqueViolation(err, idempotencyKeyIndex) {
		return r.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
	}
	return nil, err
}

func (r *JobRepo) insertJob(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	query := `
      INSERT INTO jobs(
        job_type, org_id, object_id, status, params, priority, queue,
        max_attempts, created_by_user_id, billing_estimate, idempotency_key
      )
      VALUES ($1,$2,$3,'queued',$4,$5,$6,$7,$8,$9,$10)
      RETURNING ` + jobColumns

	args := []any{
		req.JobType,
		req.OrgID,
		req.ObjectID,
		[]byte(params),
		req.Priority,
		req.QueueOrDefault(),
		req.MaxAttemptsOrDefault(),
		req.CreatedByUserID,
		req.BillingEstimate,
		req.IdempotencyKey,
	}

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			j, collectErr := collectJobFromRows(rows)
			rows.Close()
			if collectErr != nil {
				return fmt.Errorf("collect job: %w", collectErr)
			}

			channel := "job_ready_" + j.Queue
			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, j.ID); execErr != nil {
				return fmt.Errorf("send job notification: %w", execErr)
			}

			job = j
			return nil
		},
	})
	if txErr != nil {
		// Surface constraint and not-null violations as typed validation
		// errors; the unique-violation race path in Create still unwraps to
		// the raw pg error.
		return nil, apperrors.MapDBError(txErr)
	}
	return job, nil
}

// Reserve atomically claims the single best-ranked ready job in the queue for
// the calling worker, or returns model.ErrNoJobsAvailable.
func (r *JobRepo) Reserve(ctx context.Context, params core.ReserveParams) (*model.Job, error) {
	if params.Queue == "" {
		return nil, errors.New("queue is required")
	}
	if params.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}
	if params.LeaseSeconds <= 0 {
		return nil, errors.New("lease seconds must be positive")
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now()
			leaseExpiresAt := currentTime.Add(time.Duration(params.LeaseSeconds) * time.Second)

			rows, qerr := tx.Query(
				ctx,
				reserveUpdateSQL,
				params.Queue,
				currentTime.UTC(),
				params.WorkerID,
				currentTime.UTC(),
				leaseExpiresAt.UTC(),
			)
			if qerr != nil {
				return fmt.Errorf("reserve job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat extends the visibility window on a running job. It is idempotent
// and reports false when the job is not currently running.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET visibility_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, jobID, leaseExpiration, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Complete marks a running job as completed. The optional result summary is
// appended as the terminal log entry. run_started_at and worker_id survive
// for audit; the lease itself is cleared.
func (r *JobRepo) Complete(ctx context.Context, params core.CompleteParams) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	entry := model.LogEntry{
		Timestamp: currentTime,
		Level:     "info",
		Message:   "job completed",
	}
	if len(params.Result) > 0 {
		entry.Meta = params.Result
	}
	entryJSON, err := json.Marshal([]model.LogEntry{entry})
	if err != nil {
		return false, fmt.Errorf("marshal result log entry: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = 'completed',
		    progress = 100,
		    finished_at = $2,
		    updated_at = $2,
		    visibility_expires_at = NULL,
		    last_error = NULL,
		    logs = ` + r.appendLogExpr(3) + `
		WHERE id = $1 AND status = 'running'
	`

	res, err := r.DB.ExecContext(ctx, query, params.JobID, currentTime, entryJSON)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Fail records a worker-reported failure. While retries remain the job moves
// to retrying with an exponential-backoff next_run_at; once the budget is
// exhausted it dead-letters. Permanent failures skip the retry budget and
// fail terminally. Returns the updated row.
func (r *JobRepo) Fail(ctx context.Context, params core.FailParams) (*model.Job, error) {
	if params.Error == "" {
		return nil, errors.New("error message required")
	}

	truncated := domainjob.TruncateError(params.Error)
	backoff := r.backoff(params.BaseBackoffSeconds)

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var attempts, maxAttempts int
			row := tx.QueryRow(ctx, `
				SELECT attempts, max_attempts FROM jobs
				WHERE id = $1 AND status = 'running'
				FOR UPDATE
			`, params.JobID)
			if scanErr := row.Scan(&attempts, &maxAttempts); scanErr != nil {
				if errors.Is(scanErr, pgx.ErrNoRows) {
					return ErrJobNotRunning
				}
				return fmt.Errorf("lock failing job: %w", scanErr)
			}

			currentTime := r.timeProvider.Now()
			newAttempts := attempts + 1

			entry := model.LogEntry{
				Timestamp: currentTime.UTC(),
				Level:     "error",
				Message:   truncated,
			}
			entryJSON, marshalErr := json.Marshal([]model.LogEntry{entry})
			if marshalErr != nil {
				return fmt.Errorf("marshal error log entry: %w", marshalErr)
			}

			var (
				status     model.JobStatus
				nextRunAt  *time.Time
				finishedAt *time.Time
			)
			switch {
			case params.Permanent:
				status = model.JobStatusFailed
				t := currentTime.UTC()
				finishedAt = &t
			case newAttempts >= maxAttempts:
				status = model.JobStatusDeadLetter
				t := currentTime.UTC()
				finishedAt = &t
			default:
				status = model.JobStatusRetrying
				t := backoff.NextRunAt(currentTime, newAttempts).UTC()
				nextRunAt = &t
			}

			query := `
				UPDATE jobs
				SET status = $2,
				    attempts = $3,
				    last_error = $4,
				    next_run_at = $5,
				    finished_at = $6,
				    worker_id = NULL,
				    run_started_at = NULL,
				    visibility_expires_at = NULL,
				    updated_at = $7,
				    logs = ` + r.appendLogExpr(8) + `
				WHERE id = $1
				RETURNING ` + jobColumns

			rows, qerr := tx.Query(ctx, query,
				params.JobID, status, newAttempts, truncated,
				nextRunAt, finishedAt, currentTime.UTC(), entryJSON,
			)
			if qerr != nil {
				return fmt.Errorf("fail job: %w", qerr)
			}
			j, cerr := collectJobFromRows(rows)
			rows.Close()
			if cerr != nil {
				return fmt.Errorf("collect failed job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	if r.logger != nil && job != nil && job.Status == model.JobStatusDeadLetter {
		r.logger.WarnContext(ctx, "job dead-lettered",
			"job_id", job.ID,
			"job_type", job.JobType,
			"attempts", job.Attempts,
			"error", truncated,
		)
	}
	return job, nil
}

// UpdateProgress records a clamped progress value and optionally appends a
// structured log entry. Status is unchanged; the job must be running.
func (r *JobRepo) UpdateProgress(ctx context.Context, params core.ProgressParams) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()
	progress := model.ClampProgress(params.Progress)

	if params.LogEntry == nil {
		res, err := r.DB.ExecContext(ctx, `
			UPDATE jobs
			SET progress = $2, updated_at = $3
			WHERE id = $1 AND status = 'running'
		`, params.JobID, progress, currentTime)
		if err != nil {
			return false, fmt.Errorf("update progress: %w", err)
		}
		rowsAffected, raErr := res.RowsAffected()
		if raErr != nil {
			return false, fmt.Errorf("update progress rows affected: %w", raErr)
		}
		return rowsAffected > 0, nil
	}

	entry := *params.LogEntry
	if entry.Timestamp.IsZero() {
		entry.Timestamp = currentTime
	}
	entryJSON, err := json.Marshal([]model.LogEntry{entry})
	if err != nil {
		return false, fmt.Errorf("marshal progress log entry: %w", err)
	}

	query := `
		UPDATE jobs
		SET progress = $2,
		    updated_at = $3,
		    logs = ` + r.appendLogExpr(4) + `
		WHERE id = $1 AND status = 'running'
	`

	res, err := r.DB.ExecContext(ctx, query, params.JobID, progress, currentTime, entryJSON)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update progress rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

// WaitForNotification blocks until Postgres signals that the queue received a
// new ready job, the context expires, or the connection fails.
func (r *JobRepo) WaitForNotification(ctx context.Context, queue string) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := "job_ready_" + queue
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}
