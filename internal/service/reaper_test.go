package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/dispatchq/config"
	"github.com/latticeworks/dispatchq/internal/core"
	"github.com/latticeworks/dispatchq/internal/domain/model"
)

// mockReaperRepo is a simple mock implementation for testing.
type mockReaperRepo struct {
	mu sync.Mutex

	releaseCalls  map[string]int
	releaseCounts map[string]int64
	releaseErr    error

	pruneCalls map[model.JobStatus]int
	pruneCount map[model.JobStatus]int64
	pruneErr   error
	pruneBatch int
}

func (m *mockReaperRepo) ReleaseStuckJobs(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.releaseCalls == nil {
		m.releaseCalls = make(map[string]int)
	}
	m.releaseCalls[queue]++
	if m.releaseErr != nil {
		return 0, m.releaseErr
	}
	if m.releaseCalls[queue] == 1 {
		return m.releaseCounts[queue], nil
	}
	return 0, nil
}

func (m *mockReaperRepo) PruneOldJobs(ctx context.Context, params core.PruneOldJobsParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pruneCalls == nil {
		m.pruneCalls = make(map[model.JobStatus]int)
	}
	m.pruneCalls[params.Status]++
	m.pruneBatch = params.BatchSize
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	// Return count on the first call per status, then 0 to end the batch loop.
	if m.pruneCalls[params.Status] == 1 {
		return m.pruneCount[params.Status], nil
	}
	return 0, nil
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:        time.Minute,
		Queues:          []string{"default", "exports"},
		CompletedMaxAge: 7 * 24 * time.Hour,
		FailedMaxAge:    30 * 24 * time.Hour,
		PruneBatchSize:  100,
	}
}

func TestNewReaperService(t *testing.T) {
	t.Run("creates service with valid options", func(t *testing.T) {
		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   &mockReaperRepo{},
			Config: testReaperConfig(),
		})
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("requires repo", func(t *testing.T) {
		_, err := NewReaperService(ReaperServiceOptions{Config: testReaperConfig()})
		assert.ErrorContains(t, err, "ReaperRepository is required")
	})
}

func TestReaperService_RunSweep(t *testing.T) {
	t.Run("sweeps every configured queue", func(t *testing.T) {
		repo := &mockReaperRepo{
			releaseCounts: map[string]int64{"default": 2, "exports": 1},
		}
		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})
		require.NoError(t, err)

		require.NoError(t, svc.runSweep(context.Background()))

		assert.Equal(t, 1, repo.releaseCalls["default"])
		assert.Equal(t, 1, repo.releaseCalls["exports"])
	})

	t.Run("prunes every terminal status", func(t *testing.T) {
		repo := &mockReaperRepo{
			pruneCount: map[model.JobStatus]int64{
				model.JobStatusCompleted:  10,
				model.JobStatusFailed:     2,
				model.JobStatusDeadLetter: 1,
			},
		}
		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})
		require.NoError(t, err)

		require.NoError(t, svc.runSweep(context.Background()))

		// Statuses with rows take two calls: one returning rows, one ending
		// the batch loop. Cancelled has nothing to prune and stops after one.
		assert.Equal(t, 2, repo.pruneCalls[model.JobStatusCompleted])
		assert.Equal(t, 2, repo.pruneCalls[model.JobStatusFailed])
		assert.Equal(t, 2, repo.pruneCalls[model.JobStatusDeadLetter])
		assert.Equal(t, 1, repo.pruneCalls[model.JobStatusCancelled])
		assert.Equal(t, 100, repo.pruneBatch)
	})

	t.Run("reports release errors", func(t *testing.T) {
		repo := &mockReaperRepo{releaseErr: errors.New("db down")}
		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})
		require.NoError(t, err)

		err = svc.runSweep(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "release stuck jobs")
	})

	t.Run("reports prune errors", func(t *testing.T) {
		repo := &mockReaperRepo{pruneErr: errors.New("db down")}
		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})
		require.NoError(t, err)

		err = svc.runSweep(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prune old jobs")
	})

	t.Run("collapses context cancellation", func(t *testing.T) {
		repo := &mockReaperRepo{releaseErr: context.Canceled, pruneErr: context.Canceled}
		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})
		require.NoError(t, err)

		err = svc.runSweep(context.Background())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestReaperService_Run_StopsOnCancel(t *testing.T) {
	repo := &mockReaperRepo{}
	cfg := testReaperConfig()
	cfg.Interval = 10 * time.Millisecond
	svc, err := NewReaperService(ReaperServiceOptions{
		Repo:   repo,
		Config: cfg,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case runErr := <-done:
		assert.NoError(t, runErr, "graceful shutdown should not be an error")
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after context cancellation")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Positive(t, repo.releaseCalls["default"], "expected at least one sweep")
}
