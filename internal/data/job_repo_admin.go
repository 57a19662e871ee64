package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/latticeworks/dispatchq/internal/data/pgxutil"
	"github.com/latticeworks/dispatchq/internal/domain/model"
)

// Cancel requests cancellation of a job. Queued and retrying jobs cancel
// immediately; running jobs only get the cooperative cancel_requested flag,
// which the worker observes and honours itself. Terminal jobs are returned
// unchanged, so repeated cancels are a no-op.
func (r *JobRepo) Cancel(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var status model.JobStatus
			row := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id)
			if scanErr := row.Scan(&status); scanErr != nil {
				if errors.Is(scanErr, pgx.ErrNoRows) {
					return ErrJobNotFound
				}
				return fmt.Errorf("lock job for cancel: %w", scanErr)
			}

			currentTime := r.timeProvider.Now().UTC()

			var (
				rows pgx.Rows
				qerr error
			)
			switch {
			case status == model.JobStatusQueued || status == model.JobStatusRetrying:
				rows, qerr = tx.Query(ctx, `
					UPDATE jobs
					SET status = 'cancelled',
					    cancel_requested = TRUE,
					    finished_at = $2,
					    next_run_at = NULL,
					    updated_at = $2
					WHERE id = $1
					RETURNING `+jobColumns, id, currentTime)
			case status == model.JobStatusRunning:
				rows, qerr = tx.Query(ctx, `
					UPDATE jobs
					SET cancel_requested = TRUE,
					    updated_at = $2
					WHERE id = $1
					RETURNING `+jobColumns, id, currentTime)
			default:
				// Already terminal; read back unchanged.
				rows, qerr = tx.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
			}
			if qerr != nil {
				return fmt.Errorf("cancel job: %w", qerr)
			}
			j, cerr := collectJobFromRows(rows)
			rows.Close()
			if cerr != nil {
				return fmt.Errorf("collect cancelled job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	if r.logger != nil {
		r.logger.DebugContext(ctx, "job cancellation requested",
			"job_id", job.ID,
			"status", job.Status,
			"cancel_requested", job.CancelRequested,
		)
	}
	return job, nil
}

// Requeue resets a dead_letter, failed, or cancelled job back to queued for a
// fresh run: attempt counter zeroed, error and lease state cleared. Used for
// manual recovery after a bug fix or transient outage.
func (r *JobRepo) Requeue(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			UPDATE jobs
			SET status = 'queued',
			    attempts = 0,
			    progress = 0,
			    last_error = NULL,
			    next_run_at = NULL,
			    worker_id = NULL,
			    run_started_at = NULL,
			    visibility_expires_at = NULL,
			    finished_at = NULL,
			    cancel_requested = FALSE,
			    updated_at = $2
			WHERE id = $1
			  AND status IN ('dead_letter', 'failed', 'cancelled')
			RETURNING `+jobColumns, id, r.timeProvider.Now().UTC())
		if qerr != nil {
			return fmt.Errorf("requeue job: %w", qerr)
		}
		j, cerr := collectJobFromRows(rows)
		rows.Close()
		if cerr != nil {
			return cerr
		}
		job = j
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing job from one in a non-requeueable state.
		existing, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if !existing.Status.Requeueable() {
			return nil, ErrJobNotRequeueable
		}
		return nil, fmt.Errorf("requeue job %s: %w", id, err)
	}
	if err != nil {
		return nil, err
	}

	if r.logger != nil {
		r.logger.InfoContext(ctx, "job requeued", "job_id", job.ID, "queue", job.Queue)
	}
	return job, nil
}
