package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessly/assess-api/internal/core"
	"github.com/assessly/assess-api/internal/domain/model"
)

// fakeSubmitRepo is a minimal JobRepository for submitter tests. Only the
// methods the submitter touches do anything.
type fakeSubmitRepo struct {
	job     *model.Job
	created bool
	err     error

	createCalls int
}

func (f *fakeSubmitRepo) CreateIdempotent(
	ctx context.Context,
	req *model.SubmitRequest,
) (*model.Job, bool, error) {
	f.createCalls++
	if f.err != nil {
		return nil, false, f.err
	}
	return f.job, f.created, nil
}

func (f *fakeSubmitRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return f.job, nil
}

func (f *fakeSubmitRepo) GetByIdempotencyKey(ctx context.Context, userID, key string) (*model.Job, error) {
	return f.job, nil
}

func (f *fakeSubmitRepo) MarkProcessing(ctx context.Context, id string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSubmitRepo) Complete(ctx context.Context, params core.CompleteJobParams) (*model.Result, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSubmitRepo) Fail(ctx context.Context, params core.FailJobParams) (*model.Result, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSubmitRepo) CancelQueued(ctx context.Context, id string) (bool, error) {
	return false, errors.New("not implemented")
}

func (f *fakeSubmitRepo) Requeue(ctx context.Context, id string) (bool, error) {
	return false, errors.New("not implemented")
}

func (f *fakeSubmitRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	return &model.JobStats{}, nil
}

type fakeProducer struct {
	published []*model.TaskMessage
	err       error
}

func (f *fakeProducer) Publish(ctx context.Context, msg *model.TaskMessage) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

func queuedJob(id, userID string) *model.Job {
	return &model.Job{
		ID:        id,
		UserID:    userID,
		Status:    model.JobStatusQueued,
		Payload:   []byte(`{"doc":"hello"}`),
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSubmitterService_Submit(t *testing.T) {
	ctx := context.Background()
	req := &model.SubmitRequest{
		UserID:         "2f0c6d1e-8a44-4c7e-9f05-24f4b9f3a111",
		IdempotencyKey: "run-1",
		Payload:        []byte(`{"doc":"hello"}`),
	}

	t.Run("creates a job and publishes one message", func(t *testing.T) {
		repo := &fakeSubmitRepo{job: queuedJob("job-1", req.UserID), created: true}
		producer := &fakeProducer{}
		svc, err := NewSubmitterService(SubmitterServiceOptions{Repo: repo, Producer: producer})
		require.NoError(t, err)

		receipt, err := svc.Submit(ctx, req)

		require.NoError(t, err)
		assert.Equal(t, "job-1", receipt.JobID)
		assert.Equal(t, model.JobStatusQueued, receipt.Status)
		assert.True(t, receipt.Created)
		require.Len(t, producer.published, 1)
		assert.Equal(t, "job-1", producer.published[0].JobID)
		assert.Equal(t, req.UserID, producer.published[0].UserID)
		assert.JSONEq(t, `{"doc":"hello"}`, string(producer.published[0].Payload))
	})

	t.Run("duplicate submit returns the original job without publishing", func(t *testing.T) {
		repo := &fakeSubmitRepo{job: queuedJob("job-1", req.UserID), created: false}
		producer := &fakeProducer{}
		svc := MustNewSubmitterService(SubmitterServiceOptions{Repo: repo, Producer: producer})

		receipt, err := svc.Submit(ctx, req)

		require.NoError(t, err)
		assert.Equal(t, "job-1", receipt.JobID)
		assert.False(t, receipt.Created)
		assert.Empty(t, producer.published)
	})

	t.Run("publish failure still succeeds and leaves the job queued", func(t *testing.T) {
		repo := &fakeSubmitRepo{job: queuedJob("job-1", req.UserID), created: true}
		producer := &fakeProducer{err: errors.New("broker down")}
		svc := MustNewSubmitterService(SubmitterServiceOptions{Repo: repo, Producer: producer})

		receipt, err := svc.Submit(ctx, req)

		require.NoError(t, err)
		assert.Equal(t, "job-1", receipt.JobID)
		assert.Equal(t, model.JobStatusQueued, receipt.Status)
		assert.True(t, receipt.Created)
	})

	t.Run("repository error fails the submit", func(t *testing.T) {
		repo := &fakeSubmitRepo{err: errors.New("db down")}
		producer := &fakeProducer{}
		svc := MustNewSubmitterService(SubmitterServiceOptions{Repo: repo, Producer: producer})

		_, err := svc.Submit(ctx, req)

		require.Error(t, err)
		assert.Empty(t, producer.published)
	})
}

func TestNewSubmitterService(t *testing.T) {
	t.Run("requires a repository", func(t *testing.T) {
		_, err := NewSubmitterService(SubmitterServiceOptions{Producer: &fakeProducer{}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobRepository is required")
	})

	t.Run("requires a producer", func(t *testing.T) {
		_, err := NewSubmitterService(SubmitterServiceOptions{Repo: &fakeSubmitRepo{}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TaskProducer is required")
	})
}
