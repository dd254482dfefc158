// Package core defines the ports between the service layer and its
// collaborators: the job store, the task queue, the model client, and the
// notification hub. Services depend on these interfaces, not on concrete
// implementations.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/assessly/assess-api/internal/domain/model"
)

// JobRepository defines the interface for assessment job data operations.
type JobRepository interface {
	// CreateIdempotent inserts a queued job for the request, or returns the
	// existing job when the (user_id, idempotency_key) pair was seen before.
	// The boolean reports whether a new row was created.
	CreateIdempotent(ctx context.Context, req *model.SubmitRequest) (*model.Job, bool, error)

	GetByID(ctx context.Context, id string) (*model.Job, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*model.Job, error)

	// MarkProcessing atomically moves a job from queued to processing and
	// returns the updated row. A conflict error means another writer got
	// there first; the caller inspects the current status and drops the
	// duplicate delivery.
	MarkProcessing(ctx context.Context, id string) (*model.Job, error)

	// Complete records a successful analysis: inserts the result row, links
	// it to the job, and moves the job from processing to completed, all in
	// one transaction.
	Complete(ctx context.Context, params CompleteJobParams) (*model.Result, error)

	// Fail records a failed analysis the same way, moving the job to failed
	// from the expected prior status.
	Fail(ctx context.Context, params FailJobParams) (*model.Result, error)

	// Requeue moves a job from processing back to queued so the pending
	// delivery can claim it again after a transient failure. Returns false
	// when the job is no longer processing.
	Requeue(ctx context.Context, id string) (bool, error)

	// CancelQueued moves a job from queued to cancelled. Returns false when
	// the job was no longer queued.
	CancelQueued(ctx context.Context, id string) (bool, error)

	Stats(ctx context.Context) (*model.JobStats, error)
}

// CompleteJobParams groups parameters for JobRepository.Complete.
type CompleteJobParams struct {
	JobID    string
	Analysis json.RawMessage
}

// FailJobParams groups parameters for JobRepository.Fail.
type FailJobParams struct {
	JobID        string
	ErrorCode    string
	ErrorMessage string
	// FromStatus is the status the job must currently hold for the update to
	// apply. Defaults to processing when empty.
	FromStatus model.JobStatus
}

// ResultRepository defines the interface for persisted assessment results.
type ResultRepository interface {
	GetByID(ctx context.Context, id string) (*model.Result, error)
	GetByJobID(ctx context.Context, jobID string) (*model.Result, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Result, error)
}

// SyncReport describes what a per-job consistency repair changed.
type SyncReport struct {
	JobID         string          `json:"job_id"`
	StatusBefore  model.JobStatus `json:"status_before"`
	StatusAfter   model.JobStatus `json:"status_after"`
	ResultCreated bool            `json:"result_created"`
	ResultLinked  bool            `json:"result_linked"`
	Changed       bool            `json:"changed"`
}

// DeleteOldJobsParams groups parameters for ReconcilerRepository.DeleteOldJobs.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReconcilerRepository defines the interface for consistency repair operations.
// Every method is idempotent and safe to run concurrently with workers.
type ReconcilerRepository interface {
	// SyncJobStatus repairs the job/result pair for a single job and reports
	// what changed. Running it again immediately is a no-op.
	SyncJobStatus(ctx context.Context, jobID string) (*SyncReport, error)

	// FailStaleProcessingJobs marks processing jobs older than maxAge as
	// failed with an orphaned error code and records a failed result for
	// each. Processes up to batchSize jobs per call. Returns the number of
	// jobs repaired.
	FailStaleProcessingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// FailStaleQueuedJobs marks queued jobs older than maxAge as failed with
	// an orphaned error code. A queued job this old lost its queue message and
	// will never be claimed. Processes up to batchSize jobs per call. Returns
	// the number of jobs repaired.
	FailStaleQueuedJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// CascadeDeleteByJobID deletes a job together with its result. Returns
	// false when the job did not exist.
	CascadeDeleteByJobID(ctx context.Context, jobID string) (bool, error)

	// CascadeDeleteByResultID deletes a result together with its job.
	// Returns false when the result did not exist.
	CascadeDeleteByResultID(ctx context.Context, resultID string) (bool, error)

	// DeleteOldJobs deletes terminal jobs older than MaxAge, cascading to
	// their results. Processes up to BatchSize jobs per call.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}
