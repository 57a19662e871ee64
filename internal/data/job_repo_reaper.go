package data

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"

	"github.com/latticeworks/dispatchq/internal/core"
	"github.com/latticeworks/dispatchq/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 1000 is reserved for dispatchq reaper operations; the minor key is
// derived from the queue name so sweeps of different queues do not serialize.
const (
	advisoryLockReaperMajor = 1000
	advisoryLockPruneMajor  = 1001

	// reaperBatchSize bounds the rows released per sweep to prevent long
	// locks and I/O spikes on a backlog of expired leases.
	reaperBatchSize = 500
)

func queueLockKey(queue string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(queue))
	return int32(h.Sum32())
}

// ReleaseStuckJobs sweeps running jobs whose lease has expired. Lease expiry
// is treated as an implicit failure: attempts is incremented and the job goes
// back to the ready pool, or dead-letters when the increment exhausts the
// retry budget, so a crash-looping worker cannot recycle a job forever.
// Uses advisory locks to prevent concurrent reaper instances from sweeping
// the same queue at once. Returns the number of jobs swept.
func (r *JobRepo) ReleaseStuckJobs(ctx context.Context, queue string) (int64, error) {
	if queue == "" {
		return 0, fmt.Errorf("queue is required")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, queueLockKey(queue)).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now()

			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = CASE WHEN attempts + 1 >= max_attempts
						THEN 'dead_letter' ELSE 'queued' END,
					attempts = attempts + 1,
					last_error = CASE WHEN attempts + 1 >= max_attempts
						THEN 'lease expired' ELSE last_error END,
					finished_at = CASE WHEN attempts + 1 >= max_attempts
						THEN $1 ELSE finished_at END,
					worker_id = NULL,
					run_started_at = NULL,
					visibility_expires_at = NULL,
					updated_at = $1
				WHERE id IN (
					SELECT id FROM jobs
					WHERE queue = $2
					  AND status = 'running'
					  AND visibility_expires_at < $1
					ORDER BY visibility_expires_at
					LIMIT $3
				)
			`, currentTime.UTC(), queue, reaperBatchSize)
			if err != nil {
				return fmt.Errorf("release stuck jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}

	if rowsAffected > 0 && r.logger != nil {
		r.logger.InfoContext(ctx, "released stuck jobs",
			"queue", queue,
			"count", rowsAffected,
		)
	}
	return rowsAffected, nil
}

// PruneOldJobs deletes terminal jobs with the given status whose terminal
// transition is older than MaxAge. Processes up to BatchSize rows per call.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
// Returns the number of jobs deleted.
func (r *JobRepo) PruneOldJobs(ctx context.Context, params core.PruneOldJobsParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, fmt.Errorf("cannot prune non-terminal status: %s", params.Status)
	}
	if params.BatchSize < 1 {
		return 0, fmt.Errorf("batch size must be positive")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockPruneMajor, queueLockKey(string(params.Status))).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			cutoffTime := r.timeProvider.Now().Add(-params.MaxAge)

			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status = $1
					  AND finished_at < $2
					ORDER BY finished_at
					LIMIT $3
				)
			`, string(params.Status), cutoffTime.UTC(), params.BatchSize)
			if err != nil {
				return fmt.Errorf("prune old jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
