package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/dispatchq/internal/core"
	"github.com/latticeworks/dispatchq/internal/domain/model"
	"github.com/latticeworks/dispatchq/internal/testutil"
)

func reserveOne(t *testing.T, repo *JobRepo, queue, workerID string) *model.Job {
	t.Helper()
	job, err := repo.Reserve(context.Background(), core.ReserveParams{
		Queue:        queue,
		WorkerID:     workerID,
		LeaseSeconds: 30,
	})
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestJobRepo_Create(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	tests := []struct {
		name    string
		req     *model.CreateJobRequest
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid job creation",
			req:  testutil.NewJobRequest().Build(),
		},
		{
			name: "job without tenant",
			req:  testutil.NewJobRequest().WithoutOrgID().Build(),
		},
		{
			name: "job with audit fields",
			req: testutil.NewJobRequest().
				WithObjectID("report-42").
				WithCreatedByUserID("8c5556c0-0f0f-4bb3-a9d9-9c2b0c8f1b9e").
				WithBillingEstimate(1.25).
				Build(),
		},
		{
			name:    "missing job type",
			req:     testutil.NewJobRequest().WithType("").Build(),
			wantErr: true,
			errMsg:  "job type is required",
		},
		{
			name:    "empty params",
			req:     testutil.NewJobRequest().WithParams(nil).Build(),
			wantErr: true,
			errMsg:  "params is required",
		},
		{
			name:    "priority out of range",
			req:     testutil.NewJobRequest().WithPriority(150).Build(),
			wantErr: true,
			errMsg:  "priority must be between 0 and 100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.WithAutoDB(t, func(db *sql.DB) {
				repo := NewJobRepo(db, RepoConfig{})

				job, err := repo.Create(context.Background(), tt.req)

				if tt.wantErr {
					require.Error(t, err)
					assert.Contains(t, err.Error(), tt.errMsg)
					assert.Nil(t, job)
					return
				}

				require.NoError(t, err)
				require.NotNil(t, job)

				assert.NotEmpty(t, job.ID)
				assert.Equal(t, tt.req.JobType, job.JobType)
				assert.Equal(t, model.JobStatusQueued, job.Status)
				assert.Equal(t, tt.req.Priority, job.Priority)
				assert.JSONEq(t, string(tt.req.Params), string(job.Params))
				assert.Equal(t, model.DefaultQueue, job.Queue)
				assert.Equal(t, 0, job.Attempts)
				assert.Equal(t, model.DefaultMaxAttempts, job.MaxAttempts)
				assert.False(t, job.CancelRequested)
				assert.NotZero(t, job.CreatedAt)
				assert.NotZero(t, job.UpdatedAt)

				if tt.req.OrgID == nil {
					assert.Nil(t, job.OrgID)
				} else {
					require.NotNil(t, job.OrgID)
					assert.Equal(t, *tt.req.OrgID, *job.OrgID)
				}
				if tt.req.ObjectID != nil {
					require.NotNil(t, job.ObjectID)
					assert.Equal(t, *tt.req.ObjectID, *job.ObjectID)
				}
				if tt.req.BillingEstimate != nil {
					require.NotNil(t, job.BillingEstimate)
					assert.InDelta(t, *tt.req.BillingEstimate, *job.BillingEstimate, 0.0001)
				}
			})
		})
	}
}

func TestJobRepo_Create_IdempotencyKeyDeduplicates(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		first, err := repo.Create(ctx, testutil.NewJobRequest().
			WithIdempotencyKey("export-2025-06-01").
			Build())
		require.NoError(t, err)

		second, err := repo.Create(ctx, testutil.NewJobRequest().
			WithIdempotencyKey("export-2025-06-01").
			WithPriority(90).
			Build())
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		// The duplicate request does not mutate the stored row.
		assert.Equal(t, first.Priority, second.Priority)

		// A different key creates a distinct row.
		third, err := repo.Create(ctx, testutil.NewJobRequest().
			WithIdempotencyKey("export-2025-06-02").
			Build())
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, third.ID)
	})
}

func TestJobRepo_Create_IdempotencyKeyConcurrent(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		const workers = 8
		ids := make(chan string, workers)

		runner := testutil.NewConcurrentTestRunner(t)
		funcs := make([]func() error, workers)
		for i := range funcs {
			funcs[i] = func() error {
				job, err := repo.Create(ctx, testutil.NewJobRequest().
					WithIdempotencyKey("racing-key").
					Build())
				if err != nil {
					return err
				}
				ids <- job.ID
				return nil
			}
		}
		runner.AssertNoErrors(runner.RunConcurrent(funcs...))
		close(ids)

		seen := map[string]struct{}{}
		for id := range ids {
			seen[id] = struct{}{}
		}
		assert.Len(t, seen, 1, "all concurrent creators should converge on one row")
	})
}

func TestJobRepo_Reserve(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("claims best ranked job", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			low, err := repo.Create(ctx, testutil.NewJobRequest().WithPriority(10).Build())
			require.NoError(t, err)
			high, err := repo.Create(ctx, testutil.NewJobRequest().WithPriority(90).Build())
			require.NoError(t, err)

			job := reserveOne(t, repo, model.DefaultQueue, "worker-1")
			assert.Equal(t, high.ID, job.ID)
			assert.Equal(t, model.JobStatusRunning, job.Status)
			require.NotNil(t, job.WorkerID)
			assert.Equal(t, "worker-1", *job.WorkerID)
			require.NotNil(t, job.RunStartedAt)
			require.NotNil(t, job.VisibilityExpiresAt)
			assert.True(t, job.VisibilityExpiresAt.After(*job.RunStartedAt))

			next := reserveOne(t, repo, model.DefaultQueue, "worker-2")
			assert.Equal(t, low.ID, next.ID)
		})
	})

	t.Run("equal priority is FIFO", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			first, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)
			_, err = repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)

			job := reserveOne(t, repo, model.DefaultQueue, "worker-1")
			assert.Equal(t, first.ID, job.ID)
		})
	})

	t.Run("empty queue returns sentinel", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})

			job, err := repo.Reserve(context.Background(), core.ReserveParams{
				Queue:        "empty",
				WorkerID:     "worker-1",
				LeaseSeconds: 30,
			})
			require.ErrorIs(t, err, model.ErrNoJobsAvailable)
			assert.Nil(t, job)
		})
	})

	t.Run("queues are isolated", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			_, err := repo.Create(ctx, testutil.NewJobRequest().WithQueue("exports").Build())
			require.NoError(t, err)

			_, err = repo.Reserve(ctx, core.ReserveParams{
				Queue:        model.DefaultQueue,
				WorkerID:     "worker-1",
				LeaseSeconds: 30,
			})
			require.ErrorIs(t, err, model.ErrNoJobsAvailable)

			job := reserveOne(t, repo, "exports", "worker-1")
			assert.Equal(t, "exports", job.Queue)
		})
	})

	t.Run("retrying job waits for next_run_at", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			clock := NewFixedTimeProvider(testutil.TestTime())
			repo := NewJobRepo(db, RepoConfig{
				BaseBackoffSeconds: 30,
				TimeProvider:       clock,
				Rand:               func() float64 { return 0 },
			})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)

			reserveOne(t, repo, model.DefaultQueue, "worker-1")
			failed, err := repo.Fail(ctx, core.FailParams{JobID: created.ID, Error: "transient"})
			require.NoError(t, err)
			require.Equal(t, model.JobStatusRetrying, failed.Status)

			// Still inside the backoff window.
			_, err = repo.Reserve(ctx, core.ReserveParams{
				Queue:        model.DefaultQueue,
				WorkerID:     "worker-1",
				LeaseSeconds: 30,
			})
			require.ErrorIs(t, err, model.ErrNoJobsAvailable)

			clock.AddTime(31 * time.Second)
			job := reserveOne(t, repo, model.DefaultQueue, "worker-1")
			assert.Equal(t, created.ID, job.ID)
			assert.Equal(t, 1, job.Attempts)
		})
	})

	t.Run("cancel_requested rows are skipped", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)
			_, err = repo.Cancel(ctx, created.ID)
			require.NoError(t, err)

			_, err = repo.Reserve(ctx, core.ReserveParams{
				Queue:        model.DefaultQueue,
				WorkerID:     "worker-1",
				LeaseSeconds: 30,
			})
			require.ErrorIs(t, err, model.ErrNoJobsAvailable)
		})
	})

	t.Run("validates params", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			_, err := repo.Reserve(ctx, core.ReserveParams{WorkerID: "w", LeaseSeconds: 30})
			assert.ErrorContains(t, err, "queue is required")

			_, err = repo.Reserve(ctx, core.ReserveParams{Queue: "default", LeaseSeconds: 30})
			assert.ErrorContains(t, err, "worker id is required")

			_, err = repo.Reserve(ctx, core.ReserveParams{Queue: "default", WorkerID: "w"})
			assert.ErrorContains(t, err, "lease seconds must be positive")
		})
	})
}

func TestJobRepo_Reserve_Concurrent(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		const jobs = 5
		for range jobs {
			_, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)
		}

		const workers = 10
		claimed := make(chan string, workers)

		runner := testutil.NewConcurrentTestRunner(t)
		funcs := make([]func() error, workers)
		for i := range funcs {
			workerID := "worker-" + string(rune('a'+i))
			funcs[i] = func() error {
				job, err := repo.Reserve(ctx, core.ReserveParams{
					Queue:        model.DefaultQueue,
					WorkerID:     workerID,
					LeaseSeconds: 30,
				})
				if err != nil {
					if err == model.ErrNoJobsAvailable {
						return nil
					}
					return err
				}
				claimed <- job.ID
				return nil
			}
		}
		runner.AssertNoErrors(runner.RunConcurrent(funcs...))
		close(claimed)

		seen := map[string]int{}
		for id := range claimed {
			seen[id]++
		}
		assert.Len(t, seen, jobs, "every ready job should be claimed exactly once")
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s claimed more than once", id)
		}
	})
}

func TestJobRepo_Heartbeat(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)

		// Not running yet.
		ok, err := repo.Heartbeat(ctx, created.ID, 60)
		require.NoError(t, err)
		assert.False(t, ok)

		reserved := reserveOne(t, repo, model.DefaultQueue, "worker-1")

		ok, err = repo.Heartbeat(ctx, reserved.ID, 120)
		require.NoError(t, err)
		assert.True(t, ok)

		refreshed, err := repo.GetByID(ctx, reserved.ID)
		require.NoError(t, err)
		require.NotNil(t, refreshed.VisibilityExpiresAt)
		assert.True(t, refreshed.VisibilityExpiresAt.After(*reserved.VisibilityExpiresAt))

		_, err = repo.Heartbeat(ctx, reserved.ID, 0)
		assert.ErrorContains(t, err, "leaseSeconds must be positive")
	})
}

func TestJobRepo_Complete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)

		// Completing a queued job is a no-op.
		ok, err := repo.Complete(ctx, core.CompleteParams{JobID: created.ID})
		require.NoError(t, err)
		assert.False(t, ok)

		reserveOne(t, repo, model.DefaultQueue, "worker-1")

		ok, err = repo.Complete(ctx, core.CompleteParams{
			JobID:  created.ID,
			Result: json.RawMessage(`{"rows": 1234}`),
		})
		require.NoError(t, err)
		assert.True(t, ok)

		job, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.Equal(t, 100, job.Progress)
		assert.NotNil(t, job.FinishedAt)
		assert.Nil(t, job.VisibilityExpiresAt)
		assert.Nil(t, job.LastError)
		// worker_id and run_started_at survive for audit.
		assert.NotNil(t, job.WorkerID)
		assert.NotNil(t, job.RunStartedAt)

		require.NotEmpty(t, job.Logs)
		last := job.Logs[len(job.Logs)-1]
		assert.Equal(t, "job completed", last.Message)
		assert.JSONEq(t, `{"rows": 1234}`, string(last.Meta))

		// Terminal states do not complete twice.
		ok, err = repo.Complete(ctx, core.CompleteParams{JobID: created.ID})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJobRepo_Fail(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("schedules retry with backoff", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			clock := NewFixedTimeProvider(testutil.TestTime())
			repo := NewJobRepo(db, RepoConfig{
				BaseBackoffSeconds: 30,
				TimeProvider:       clock,
				Rand:               func() float64 { return 0 },
			})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().WithMaxAttempts(3).Build())
			require.NoError(t, err)
			reserveOne(t, repo, model.DefaultQueue, "worker-1")

			job, err := repo.Fail(ctx, core.FailParams{JobID: created.ID, Error: "connection reset"})
			require.NoError(t, err)

			assert.Equal(t, model.JobStatusRetrying, job.Status)
			assert.Equal(t, 1, job.Attempts)
			require.NotNil(t, job.LastError)
			assert.Equal(t, "connection reset", *job.LastError)
			require.NotNil(t, job.NextRunAt)
			assert.Equal(t, testutil.TestTime().Add(30*time.Second), job.NextRunAt.UTC())
			assert.Nil(t, job.WorkerID)
			assert.Nil(t, job.VisibilityExpiresAt)
			assert.Nil(t, job.FinishedAt)

			require.NotEmpty(t, job.Logs)
			assert.Equal(t, "error", job.Logs[len(job.Logs)-1].Level)
		})
	})

	t.Run("second retry doubles the delay", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			clock := NewFixedTimeProvider(testutil.TestTime())
			repo := NewJobRepo(db, RepoConfig{
				BaseBackoffSeconds: 30,
				TimeProvider:       clock,
				Rand:               func() float64 { return 0 },
			})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().WithMaxAttempts(5).Build())
			require.NoError(t, err)

			reserveOne(t, repo, model.DefaultQueue, "worker-1")
			_, err = repo.Fail(ctx, core.FailParams{JobID: created.ID, Error: "attempt 1"})
			require.NoError(t, err)

			clock.AddTime(31 * time.Second)
			reserveOne(t, repo, model.DefaultQueue, "worker-1")
			job, err := repo.Fail(ctx, core.FailParams{JobID: created.ID, Error: "attempt 2"})
			require.NoError(t, err)

			assert.Equal(t, 2, job.Attempts)
			require.NotNil(t, job.NextRunAt)
			assert.Equal(t, clock.Now().Add(60*time.Second).UTC(), job.NextRunAt.UTC())
		})
	})

	t.Run("dead letters when budget exhausted", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{BaseBackoffSeconds: 30})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().WithMaxAttempts(1).Build())
			require.NoError(t, err)
			reserveOne(t, repo, model.DefaultQueue, "worker-1")

			job, err := repo.Fail(ctx, core.FailParams{JobID: created.ID, Error: "boom"})
			require.NoError(t, err)

			assert.Equal(t, model.JobStatusDeadLetter, job.Status)
			assert.Equal(t, 1, job.Attempts)
			assert.NotNil(t, job.FinishedAt)
			assert.Nil(t, job.NextRunAt)
		})
	})

	t.Run("permanent failure skips retry budget", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{BaseBackoffSeconds: 30})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().WithMaxAttempts(5).Build())
			require.NoError(t, err)
			reserveOne(t, repo, model.DefaultQueue, "worker-1")

			job, err := repo.Fail(ctx, core.FailParams{
				JobID:     created.ID,
				Error:     "unsupported format",
				Permanent: true,
			})
			require.NoError(t, err)

			assert.Equal(t, model.JobStatusFailed, job.Status)
			assert.NotNil(t, job.FinishedAt)
			assert.Nil(t, job.NextRunAt)
		})
	})

	t.Run("truncates long error messages", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{BaseBackoffSeconds: 30})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)
			reserveOne(t, repo, model.DefaultQueue, "worker-1")

			job, err := repo.Fail(ctx, core.FailParams{
				JobID: created.ID,
				Error: strings.Repeat("x", 2000),
			})
			require.NoError(t, err)
			require.NotNil(t, job.LastError)
			assert.Len(t, *job.LastError, 500)
		})
	})

	t.Run("requires a running job", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)

			_, err = repo.Fail(ctx, core.FailParams{JobID: created.ID, Error: "boom"})
			require.ErrorIs(t, err, ErrJobNotRunning)

			_, err = repo.Fail(ctx, core.FailParams{JobID: created.ID})
			assert.ErrorContains(t, err, "error message required")
		})
	})
}

func TestJobRepo_UpdateProgress(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)

		// Progress requires a running lease.
		ok, err := repo.UpdateProgress(ctx, core.ProgressParams{JobID: created.ID, Progress: 10})
		require.NoError(t, err)
		assert.False(t, ok)

		reserveOne(t, repo, model.DefaultQueue, "worker-1")

		ok, err = repo.UpdateProgress(ctx, core.ProgressParams{JobID: created.ID, Progress: 250})
		require.NoError(t, err)
		assert.True(t, ok)

		job, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, job.Progress, "progress is clamped into 0..100")
		assert.Equal(t, model.JobStatusRunning, job.Status)

		ok, err = repo.UpdateProgress(ctx, core.ProgressParams{
			JobID:    created.ID,
			Progress: 55,
			LogEntry: &model.LogEntry{Level: "info", Message: "halfway"},
		})
		require.NoError(t, err)
		assert.True(t, ok)

		job, err = repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, 55, job.Progress)
		require.NotEmpty(t, job.Logs)
		assert.Equal(t, "halfway", job.Logs[len(job.Logs)-1].Message)
	})
}

func TestJobRepo_UpdateProgress_LogCap(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{LogCap: 3})
		ctx := context.Background()

		created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)
		reserveOne(t, repo, model.DefaultQueue, "worker-1")

		for i := range 6 {
			ok, perr := repo.UpdateProgress(ctx, core.ProgressParams{
				JobID:    created.ID,
				Progress: i * 10,
				LogEntry: &model.LogEntry{Level: "info", Message: "step " + string(rune('0'+i))},
			})
			require.NoError(t, perr)
			require.True(t, ok)
		}

		job, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		require.Len(t, job.Logs, 3, "log buffer is capped with oldest-first eviction")
		assert.Equal(t, "step 3", job.Logs[0].Message)
		assert.Equal(t, "step 5", job.Logs[2].Message)
	})
}

func TestJobRepo_UpdateProgress_LogCapLowered(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		wide := NewJobRepo(db, RepoConfig{LogCap: 5})
		ctx := context.Background()

		created, err := wide.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)
		reserveOne(t, wide, model.DefaultQueue, "worker-1")

		for i := range 5 {
			ok, perr := wide.UpdateProgress(ctx, core.ProgressParams{
				JobID:    created.ID,
				Progress: i * 10,
				LogEntry: &model.LogEntry{Level: "info", Message: "step " + string(rune('0'+i))},
			})
			require.NoError(t, perr)
			require.True(t, ok)
		}

		// A row that outgrew a lowered cap converges on the next append.
		narrow := NewJobRepo(db, RepoConfig{LogCap: 3})
		ok, err := narrow.UpdateProgress(ctx, core.ProgressParams{
			JobID:    created.ID,
			Progress: 60,
			LogEntry: &model.LogEntry{Level: "info", Message: "after"},
		})
		require.NoError(t, err)
		require.True(t, ok)

		job, err := narrow.GetByID(ctx, created.ID)
		require.NoError(t, err)
		require.Len(t, job.Logs, 3)
		assert.Equal(t, "step 3", job.Logs[0].Message)
		assert.Equal(t, "step 4", job.Logs[1].Message)
		assert.Equal(t, "after", job.Logs[2].Message)
	})
}

func TestJobRepo_Cancel(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("queued job cancels immediately", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)

			job, err := repo.Cancel(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCancelled, job.Status)
			assert.True(t, job.CancelRequested)
			assert.NotNil(t, job.FinishedAt)
		})
	})

	t.Run("running job gets cooperative flag only", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)
			reserveOne(t, repo, model.DefaultQueue, "worker-1")

			job, err := repo.Cancel(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusRunning, job.Status)
			assert.True(t, job.CancelRequested)
			assert.Nil(t, job.FinishedAt)
		})
	})

	t.Run("terminal job is a no-op", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)
			reserveOne(t, repo, model.DefaultQueue, "worker-1")
			ok, err := repo.Complete(ctx, core.CompleteParams{JobID: created.ID})
			require.NoError(t, err)
			require.True(t, ok)

			job, err := repo.Cancel(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCompleted, job.Status)
			assert.False(t, job.CancelRequested)
		})
	})

	t.Run("unknown job", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})

			_, err := repo.Cancel(context.Background(), "00000000-0000-0000-0000-000000000000")
			require.ErrorIs(t, err, ErrJobNotFound)
		})
	})
}

func TestJobRepo_Requeue(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("resets dead letter job", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{BaseBackoffSeconds: 30})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().WithMaxAttempts(1).Build())
			require.NoError(t, err)
			reserveOne(t, repo, model.DefaultQueue, "worker-1")
			dead, err := repo.Fail(ctx, core.FailParams{JobID: created.ID, Error: "boom"})
			require.NoError(t, err)
			require.Equal(t, model.JobStatusDeadLetter, dead.Status)

			job, err := repo.Requeue(ctx, created.ID)
			require.NoError(t, err)

			assert.Equal(t, model.JobStatusQueued, job.Status)
			assert.Equal(t, 0, job.Attempts)
			assert.Equal(t, 0, job.Progress)
			assert.Nil(t, job.LastError)
			assert.Nil(t, job.NextRunAt)
			assert.Nil(t, job.WorkerID)
			assert.Nil(t, job.FinishedAt)
			assert.False(t, job.CancelRequested)

			// The reset job is reservable again.
			again := reserveOne(t, repo, model.DefaultQueue, "worker-2")
			assert.Equal(t, created.ID, again.ID)
		})
	})

	t.Run("rejects non requeueable states", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)

			_, err = repo.Requeue(ctx, created.ID)
			require.ErrorIs(t, err, ErrJobNotRequeueable)
		})
	})

	t.Run("unknown job", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})

			_, err := repo.Requeue(context.Background(), "00000000-0000-0000-0000-000000000000")
			require.ErrorIs(t, err, ErrJobNotFound)
		})
	})
}
