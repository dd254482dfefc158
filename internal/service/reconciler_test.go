package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessly/assess-api/config"
	"github.com/assessly/assess-api/internal/core"
	"github.com/assessly/assess-api/internal/domain/model"
)

// fakeReconcilerRepo is a simple fake implementation for testing.
type fakeReconcilerRepo struct {
	syncReport *core.SyncReport
	syncErr    error
	syncCalls  int

	failStaleCalls int
	failStaleCount int64
	failStaleErr   error

	failStaleQueuedCalls  int
	failStaleQueuedCount  int64
	failStaleQueuedErr    error
	failStaleQueuedMaxAge time.Duration

	deleteOldCalls  int
	deleteOldCount  int64
	deleteOldErr    error
	deleteOldParams []core.DeleteOldJobsParams

	cascadeJobDeleted    bool
	cascadeResultDeleted bool
	cascadeErr           error
}

func (f *fakeReconcilerRepo) SyncJobStatus(ctx context.Context, jobID string) (*core.SyncReport, error) {
	f.syncCalls++
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	if f.syncCalls > 1 {
		// A second pass over a repaired pair changes nothing.
		clean := *f.syncReport
		clean.ResultCreated = false
		clean.ResultLinked = false
		clean.Changed = false
		clean.StatusBefore = clean.StatusAfter
		return &clean, nil
	}
	return f.syncReport, nil
}

func (f *fakeReconcilerRepo) FailStaleProcessingJobs(
	ctx context.Context,
	maxAge time.Duration,
	batchSize int,
) (int64, error) {
	f.failStaleCalls++
	if f.failStaleErr != nil {
		return 0, f.failStaleErr
	}
	// Return count on first call, then 0 to simulate batch exhaustion
	if f.failStaleCalls == 1 {
		return f.failStaleCount, nil
	}
	return 0, nil
}

func (f *fakeReconcilerRepo) FailStaleQueuedJobs(
	ctx context.Context,
	maxAge time.Duration,
	batchSize int,
) (int64, error) {
	f.failStaleQueuedCalls++
	f.failStaleQueuedMaxAge = maxAge
	if f.failStaleQueuedErr != nil {
		return 0, f.failStaleQueuedErr
	}
	if f.failStaleQueuedCalls == 1 {
		return f.failStaleQueuedCount, nil
	}
	return 0, nil
}

func (f *fakeReconcilerRepo) CascadeDeleteByJobID(ctx context.Context, jobID string) (bool, error) {
	if f.cascadeErr != nil {
		return false, f.cascadeErr
	}
	return f.cascadeJobDeleted, nil
}

func (f *fakeReconcilerRepo) CascadeDeleteByResultID(ctx context.Context, resultID string) (bool, error) {
	if f.cascadeErr != nil {
		return false, f.cascadeErr
	}
	return f.cascadeResultDeleted, nil
}

func (f *fakeReconcilerRepo) DeleteOldJobs(
	ctx context.Context,
	params core.DeleteOldJobsParams,
) (int64, error) {
	f.deleteOldCalls++
	f.deleteOldParams = append(f.deleteOldParams, params)
	if f.deleteOldErr != nil {
		return 0, f.deleteOldErr
	}
	// Return count on odd calls, then 0 on even calls to simulate batch
	// exhaustion per status
	if f.deleteOldCalls%2 == 1 {
		return f.deleteOldCount, nil
	}
	return 0, nil
}

type fakeDLQ struct {
	letters  []model.DeadLetter
	listErr  error
	purgeErr error
	purged   int
}

func (f *fakeDLQ) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if limit > 0 && limit < len(f.letters) {
		return f.letters[:limit], nil
	}
	return f.letters, nil
}

func (f *fakeDLQ) Purge(ctx context.Context) ([]model.DeadLetter, error) {
	if f.purgeErr != nil {
		return nil, f.purgeErr
	}
	f.purged++
	out := f.letters
	f.letters = nil
	return out, nil
}

func reconcilerConfig() config.ReconcilerConfig {
	return config.ReconcilerConfig{
		Interval:           5 * time.Minute,
		StaleProcessingAge: 30 * time.Minute,
		StaleQueuedAge:     time.Hour,
		RetentionAge:       720 * time.Hour,
		BatchSize:          1000,
	}
}

func TestNewReconcilerService(t *testing.T) {
	t.Run("creates service with valid options", func(t *testing.T) {
		svc, err := NewReconcilerService(ReconcilerServiceOptions{
			Repo:   &fakeReconcilerRepo{},
			Config: reconcilerConfig(),
		})

		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("returns error when repo is nil", func(t *testing.T) {
		_, err := NewReconcilerService(ReconcilerServiceOptions{Config: reconcilerConfig()})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "ReconcilerRepository is required")
	})
}

func TestReconcilerService_SyncStatus(t *testing.T) {
	t.Run("reports the repair and is idempotent", func(t *testing.T) {
		repo := &fakeReconcilerRepo{
			syncReport: &core.SyncReport{
				JobID:         "job-1",
				StatusBefore:  model.JobStatusProcessing,
				StatusAfter:   model.JobStatusCompleted,
				ResultLinked:  true,
				ResultCreated: false,
				Changed:       true,
			},
		}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   repo,
			Config: reconcilerConfig(),
		})

		first, err := svc.SyncStatus(context.Background(), "job-1")
		require.NoError(t, err)
		assert.True(t, first.Changed)
		assert.Equal(t, model.JobStatusCompleted, first.StatusAfter)

		second, err := svc.SyncStatus(context.Background(), "job-1")
		require.NoError(t, err)
		assert.False(t, second.Changed)
		assert.Equal(t, first.StatusAfter, second.StatusAfter)
	})

	t.Run("propagates repository errors", func(t *testing.T) {
		repo := &fakeReconcilerRepo{syncErr: errors.New("db down")}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   repo,
			Config: reconcilerConfig(),
		})

		_, err := svc.SyncStatus(context.Background(), "job-1")
		require.Error(t, err)
	})
}

func TestReconcilerService_CleanupOrphanedJobs(t *testing.T) {
	t.Run("loops batches until exhausted", func(t *testing.T) {
		repo := &fakeReconcilerRepo{failStaleCount: 7}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   repo,
			Config: reconcilerConfig(),
		})

		count, err := svc.CleanupOrphanedJobs(context.Background())

		require.NoError(t, err)
		assert.Equal(t, int64(7), count)
		// First batch returns rows, second returns zero and stops the loop
		assert.Equal(t, 2, repo.failStaleCalls)
	})

	t.Run("sweeps stale queued jobs after the processing sweep", func(t *testing.T) {
		cfg := reconcilerConfig()
		repo := &fakeReconcilerRepo{failStaleCount: 2, failStaleQueuedCount: 5}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   repo,
			Config: cfg,
		})

		count, err := svc.CleanupOrphanedJobs(context.Background())

		require.NoError(t, err)
		assert.Equal(t, int64(7), count)
		assert.Equal(t, 2, repo.failStaleQueuedCalls)
		// The queued sweep runs on its own, longer threshold.
		assert.Equal(t, cfg.StaleQueuedAge, repo.failStaleQueuedMaxAge)
	})

	t.Run("returns the partial count on error", func(t *testing.T) {
		repo := &fakeReconcilerRepo{failStaleErr: errors.New("lock timeout")}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   repo,
			Config: reconcilerConfig(),
		})

		count, err := svc.CleanupOrphanedJobs(context.Background())

		require.Error(t, err)
		assert.Equal(t, int64(0), count)
	})
}

func TestReconcilerService_CascadeDelete(t *testing.T) {
	t.Run("delete by job reports whether a row existed", func(t *testing.T) {
		repo := &fakeReconcilerRepo{cascadeJobDeleted: true}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   repo,
			Config: reconcilerConfig(),
		})

		deleted, err := svc.CascadeDeleteJob(context.Background(), "job-1")
		require.NoError(t, err)
		assert.True(t, deleted)
	})

	t.Run("delete by result is a no-op when the result is missing", func(t *testing.T) {
		repo := &fakeReconcilerRepo{cascadeResultDeleted: false}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   repo,
			Config: reconcilerConfig(),
		})

		deleted, err := svc.CascadeDeleteResult(context.Background(), "result-1")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestReconcilerService_DLQ(t *testing.T) {
	letters := []model.DeadLetter{
		{MessageID: "1-0", Task: model.TaskMessage{JobID: "job-1"}, Deliveries: 5},
		{MessageID: "2-0", Task: model.TaskMessage{JobID: "job-2"}, Deliveries: 6},
	}

	t.Run("list returns entries without removing them", func(t *testing.T) {
		dlq := &fakeDLQ{letters: letters}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   &fakeReconcilerRepo{},
			DLQ:    dlq,
			Config: reconcilerConfig(),
		})

		got, err := svc.DLQList(context.Background(), 10)
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, 0, dlq.purged)
	})

	t.Run("purge removes everything and reports the count", func(t *testing.T) {
		dlq := &fakeDLQ{letters: letters}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   &fakeReconcilerRepo{},
			DLQ:    dlq,
			Config: reconcilerConfig(),
		})

		count, err := svc.DLQPurge(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		remaining, err := svc.DLQList(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("dlq operations require a configured stream", func(t *testing.T) {
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   &fakeReconcilerRepo{},
			Config: reconcilerConfig(),
		})

		_, err := svc.DLQList(context.Background(), 10)
		require.Error(t, err)

		_, err = svc.DLQPurge(context.Background())
		require.Error(t, err)
	})
}

func TestReconcilerService_runReconcile(t *testing.T) {
	t.Run("runs every step", func(t *testing.T) {
		repo := &fakeReconcilerRepo{failStaleCount: 3, deleteOldCount: 10}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   repo,
			Config: reconcilerConfig(),
		})

		err := svc.runReconcile(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 2, repo.failStaleCalls)
		// No stale queued rows: the first queued batch comes back empty
		assert.Equal(t, 1, repo.failStaleQueuedCalls)
		// Two calls per terminal status (completed, failed, cancelled)
		assert.Equal(t, 6, repo.deleteOldCalls)
		statuses := make(map[model.JobStatus]bool)
		for _, p := range repo.deleteOldParams {
			statuses[p.Status] = true
		}
		assert.True(t, statuses[model.JobStatusCompleted])
		assert.True(t, statuses[model.JobStatusFailed])
		assert.True(t, statuses[model.JobStatusCancelled])
	})

	t.Run("continues past step errors and reports them", func(t *testing.T) {
		repo := &fakeReconcilerRepo{
			failStaleErr:   errors.New("stale scan failed"),
			deleteOldCount: 4,
		}
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   repo,
			Config: reconcilerConfig(),
		})

		err := svc.runReconcile(context.Background())

		require.Error(t, err)
		assert.Equal(t, 1, repo.failStaleCalls)
		assert.Equal(t, 6, repo.deleteOldCalls)
	})
}

func TestReconcilerService_Run(t *testing.T) {
	t.Run("stops on context cancellation", func(t *testing.T) {
		cfg := reconcilerConfig()
		cfg.Interval = 50 * time.Millisecond
		svc := MustNewReconcilerService(ReconcilerServiceOptions{
			Repo:   &fakeReconcilerRepo{},
			Config: cfg,
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- svc.Run(ctx)
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("reconciler did not stop after cancellation")
		}
	})
}
