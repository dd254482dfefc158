package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/assessly/assess-api/internal/core"
	"github.com/assessly/assess-api/internal/data/pgxutil"
	"github.com/assessly/assess-api/internal/domain/model"
)

// CreateIdempotent inserts a queued job, or returns the existing job when the
// (user_id, idempotency_key) pair was already used. The returned boolean
// reports whether a new row was created.
func (r *JobRepo) CreateIdempotent(
	ctx context.Context,
	req *model.SubmitRequest,
) (*model.Job, bool, error) {
	if req == nil {
		return nil, false, errors.New("submit request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO assessment_jobs (user_id, idempotency_key, status, payload, created_at, updated_at)
		VALUES ($1, $2, 'queued', $3, $4, $4)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
		RETURNING `+jobColumns,
		req.UserID, req.IdempotencyKey, []byte(req.Payload), now,
	)

	job, err := scanJobFromRow(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	// Conflict: an earlier submit won. Return that job unchanged.
	existing, err := r.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("load existing job after conflict: %w", err)
	}
	return existing, false, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrJobIDRequired
	}

	row := r.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM assessment_jobs
		WHERE id = $1
	`, id)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetByIdempotencyKey retrieves a job by its submitter-scoped idempotency key.
func (r *JobRepo) GetByIdempotencyKey(ctx context.Context, userID, key string) (*model.Job, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserIDRequired
	}

	row := r.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM assessment_jobs
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by idempotency key: %w", err)
	}
	return job, nil
}

// MarkProcessing atomically moves a job from queued to processing. When the
// compare-and-set misses, the current status is reported via
// StatusConflictError so the caller can drop duplicate deliveries.
func (r *JobRepo) MarkProcessing(ctx context.Context, id string) (*model.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrJobIDRequired
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		UPDATE assessment_jobs
		SET status = 'processing',
		    started_at = COALESCE(started_at, $2),
		    updated_at = $2
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns,
		id, now,
	)

	job, err := scanJobFromRow(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark job processing: %w", err)
	}

	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &StatusConflictError{JobID: id, Status: current.Status}
}

// Requeue moves a job from processing back to queued, clearing the processing
// start mark so the next claim measures staleness from its own pickup. Used
// when a transient failure leaves the delivery pending; the redelivered
// message then claims the job through the normal compare-and-set. Returns
// false when the job is no longer processing.
func (r *JobRepo) Requeue(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, ErrJobIDRequired
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE assessment_jobs
		SET status = 'queued',
		    started_at = NULL,
		    updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Complete records a successful analysis: the result row is inserted, linked
// to the job, and the job moves from processing to completed, all in one
// transaction.
func (r *JobRepo) Complete(ctx context.Context, params core.CompleteJobParams) (*model.Result, error) {
	return r.recordTerminal(ctx, terminalWrite{
		jobID:        params.JobID,
		fromStatus:   model.JobStatusProcessing,
		jobStatus:    model.JobStatusCompleted,
		resultStatus: model.ResultStatusCompleted,
		analysis:     params.Analysis,
	})
}

// Fail records a failed analysis the same way, moving the job to failed from
// the expected prior status (processing unless overridden).
func (r *JobRepo) Fail(ctx context.Context, params core.FailJobParams) (*model.Result, error) {
	from := params.FromStatus
	if from == "" {
		from = model.JobStatusProcessing
	}
	return r.recordTerminal(ctx, terminalWrite{
		jobID:        params.JobID,
		fromStatus:   from,
		jobStatus:    model.JobStatusFailed,
		resultStatus: model.ResultStatusFailed,
		errorCode:    params.ErrorCode,
		errorMessage: params.ErrorMessage,
	})
}

// CancelQueued moves a job from queued to cancelled, recording the failed
// result that every terminal job carries. Returns false when the job was no
// longer queued.
func (r *JobRepo) CancelQueued(ctx context.Context, id string) (bool, error) {
	_, err := r.recordTerminal(ctx, terminalWrite{
		jobID:        id,
		fromStatus:   model.JobStatusQueued,
		jobStatus:    model.JobStatusCancelled,
		resultStatus: model.ResultStatusFailed,
		errorCode:    "canceled",
		errorMessage: "job cancelled before processing",
	})
	if err != nil {
		if _, ok := AsStatusConflict(err); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// terminalWrite groups the parameters of a terminal job/result transaction.
type terminalWrite struct {
	jobID        string
	fromStatus   model.JobStatus
	jobStatus    model.JobStatus
	resultStatus model.ResultStatus
	analysis     []byte
	errorCode    string
	errorMessage string
}

func (r *JobRepo) recordTerminal(ctx context.Context, w terminalWrite) (*model.Result, error) {
	if strings.TrimSpace(w.jobID) == "" {
		return nil, ErrJobIDRequired
	}

	now := r.timeProvider.Now().UTC()
	resultID := uuid.NewString()
	result := &model.Result{
		ID:        resultID,
		JobID:     w.jobID,
		Status:    w.resultStatus,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(w.analysis) > 0 {
		result.Analysis = append([]byte(nil), w.analysis...)
	}
	if w.errorCode != "" {
		code := w.errorCode
		result.ErrorCode = &code
	}

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var userID string
			var status model.JobStatus
			err := tx.QueryRowContext(ctx, `
				SELECT user_id, status FROM assessment_jobs
				WHERE id = $1
				FOR UPDATE
			`, w.jobID).Scan(&userID, &status)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			if err != nil {
				return fmt.Errorf("lock job row: %w", err)
			}
			if status != w.fromStatus {
				return &StatusConflictError{JobID: w.jobID, Status: status}
			}
			result.UserID = userID

			if _, err = tx.ExecContext(ctx, `
				INSERT INTO assessment_results (id, job_id, user_id, status, analysis, error_code, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			`, resultID, w.jobID, userID, w.resultStatus, nullableBytes(result.Analysis), result.ErrorCode, now); err != nil {
				return fmt.Errorf("insert result: %w", err)
			}

			if _, err = tx.ExecContext(ctx, `
				UPDATE assessment_jobs
				SET status = $2,
				    result_id = $3,
				    error_code = $4,
				    error_message = $5,
				    completed_at = $6,
				    updated_at = $6
				WHERE id = $1
			`, w.jobID, w.jobStatus, resultID, nullableString(w.errorCode), nullableString(w.errorMessage), now); err != nil {
				return fmt.Errorf("finalize job: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	if r.logger != nil {
		r.logger.DebugContext(ctx, "job finalized",
			"job_id", w.jobID,
			"status", w.jobStatus,
			"result_id", resultID,
		)
	}
	return result, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Stats returns counts of jobs in each state.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'queued')     AS queued,
    count(*) FILTER (WHERE status = 'processing') AS processing,
    count(*) FILTER (WHERE status = 'completed')  AS completed,
    count(*) FILTER (WHERE status = 'failed')     AS failed,
    count(*) FILTER (WHERE status = 'cancelled')  AS cancelled
  FROM assessment_jobs
  `).Scan(
		&s.Queued,
		&s.Processing,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}
