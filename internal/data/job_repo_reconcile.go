package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/assessly/assess-api/internal/core"
	"github.com/assessly/assess-api/internal/data/pgxutil"
	domainjob "github.com/assessly/assess-api/internal/domain/job"
	"github.com/assessly/assess-api/internal/domain/model"
)

// Advisory lock namespace for reconciler operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 2000 is reserved for assessd reconciler operations.
const (
	advisoryLockReconcilerMajor       = 2000
	advisoryLockReconcilerStale       = 1 // minor key for FailStaleProcessingJobs
	advisoryLockReconcilerDeleteOld   = 2 // minor key for DeleteOldJobs
	advisoryLockReconcilerStaleQueued = 3 // minor key for FailStaleQueuedJobs
)

// SyncJobStatus repairs the job/result pair for a single job:
//   - a terminal job missing its result gets one recorded and linked
//   - a job whose result exists but is not linked gets the link restored
//   - a job whose status disagrees with its result adopts the terminal
//     status implied by that result, whether the job was still non-terminal
//     or finalized under the wrong terminal status
//
// Running it again immediately is a no-op.
func (r *JobRepo) SyncJobStatus(ctx context.Context, jobID string) (*core.SyncReport, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrJobIDRequired
	}

	report := &core.SyncReport{JobID: jobID}
	now := r.timeProvider.Now().UTC()

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var (
				userID   string
				status   model.JobStatus
				resultID sql.NullString
				errCode  sql.NullString
			)
			err := tx.QueryRowContext(ctx, `
				SELECT user_id, status, result_id, error_code
				FROM assessment_jobs
				WHERE id = $1
				FOR UPDATE
			`, jobID).Scan(&userID, &status, &resultID, &errCode)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			if err != nil {
				return fmt.Errorf("lock job row: %w", err)
			}

			report.StatusBefore = status
			report.StatusAfter = status

			var (
				foundResultID sql.NullString
				resultStatus  model.ResultStatus
			)
			err = tx.QueryRowContext(ctx, `
				SELECT id, status FROM assessment_results WHERE job_id = $1
			`, jobID).Scan(&foundResultID, &resultStatus)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("load result row: %w", err)
			}
			hasResult := foundResultID.Valid

			switch {
			case status.Terminal() && !hasResult:
				return r.syncCreateMissingResult(ctx, tx, syncRepairParams{
					report:  report,
					jobID:   jobID,
					userID:  userID,
					status:  status,
					errCode: errCode,
					now:     now,
				})
			case hasResult && (!resultID.Valid || resultID.String != foundResultID.String):
				if _, err := tx.ExecContext(ctx, `
					UPDATE assessment_jobs SET result_id = $2, updated_at = $3 WHERE id = $1
				`, jobID, foundResultID.String, now); err != nil {
					return fmt.Errorf("relink result: %w", err)
				}
				report.ResultLinked = true
				report.Changed = true
				return r.syncAlignStatus(ctx, tx, report, status, resultStatus, now)
			case hasResult:
				return r.syncAlignStatus(ctx, tx, report, status, resultStatus, now)
			default:
				// Non-terminal job with no result: nothing to repair.
				return nil
			}
		},
	})
	if err != nil {
		return nil, err
	}

	if r.logger != nil && report.Changed {
		r.logger.InfoContext(ctx, "job state repaired",
			"job_id", report.JobID,
			"status_before", report.StatusBefore,
			"status_after", report.StatusAfter,
			"result_created", report.ResultCreated,
			"result_linked", report.ResultLinked,
		)
	}
	return report, nil
}

type syncRepairParams struct {
	report  *core.SyncReport
	jobID   string
	userID  string
	status  model.JobStatus
	errCode sql.NullString
	now     time.Time
}

func (r *JobRepo) syncCreateMissingResult(ctx context.Context, tx *sql.Tx, p syncRepairParams) error {
	resultStatus, err := domainjob.ResultStatusFor(p.status)
	if err != nil {
		return err
	}

	var errCode any
	if p.errCode.Valid {
		errCode = p.errCode.String
	}

	resultID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO assessment_results (id, job_id, user_id, status, error_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, resultID, p.jobID, p.userID, resultStatus, errCode, p.now); err != nil {
		return fmt.Errorf("create missing result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE assessment_jobs SET result_id = $2, updated_at = $3 WHERE id = $1
	`, p.jobID, resultID, p.now); err != nil {
		return fmt.Errorf("link created result: %w", err)
	}

	p.report.ResultCreated = true
	p.report.ResultLinked = true
	p.report.Changed = true
	return nil
}

func (r *JobRepo) syncAdoptResultStatus(
	ctx context.Context,
	tx *sql.Tx,
	report *core.SyncReport,
	resultStatus model.ResultStatus,
	now time.Time,
) error {
	jobStatus := model.JobStatusFailed
	if resultStatus == model.ResultStatusCompleted {
		jobStatus = model.JobStatusCompleted
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE assessment_jobs
		SET status = $2, completed_at = COALESCE(completed_at, $3), updated_at = $3
		WHERE id = $1
	`, report.JobID, jobStatus, now); err != nil {
		return fmt.Errorf("adopt result status: %w", err)
	}

	report.StatusAfter = jobStatus
	report.Changed = true
	return nil
}

// syncAlignStatus moves the job to the status implied by its result when the
// two disagree. A non-terminal job adopts the result's terminal status; a
// terminal job whose status already maps to the result's status is left
// alone, so a cancelled job with its failed result stays cancelled.
func (r *JobRepo) syncAlignStatus(
	ctx context.Context,
	tx *sql.Tx,
	report *core.SyncReport,
	status model.JobStatus,
	resultStatus model.ResultStatus,
	now time.Time,
) error {
	if status.Terminal() {
		expected, err := domainjob.ResultStatusFor(status)
		if err != nil {
			return err
		}
		if expected == resultStatus {
			return nil
		}
	}
	return r.syncAdoptResultStatus(ctx, tx, report, resultStatus, now)
}

// staleSweep parametrizes the stale-job repair query. The SQL fragments are
// compile-time constants, never caller input.
type staleSweep struct {
	lockMinor    int
	status       string
	ageExpr      string
	errorMessage string
	label        string
}

// FailStaleProcessingJobs marks processing jobs older than maxAge as failed
// with an orphaned error code, recording the failed result each terminal job
// carries. Processes up to batchSize jobs per call to prevent long locks.
// Uses advisory locks to prevent concurrent reconciler instances from conflicting.
// Returns the number of jobs repaired.
func (r *JobRepo) FailStaleProcessingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return r.failStaleJobs(ctx, staleSweep{
		lockMinor:    advisoryLockReconcilerStale,
		status:       "processing",
		ageExpr:      "COALESCE(started_at, updated_at)",
		errorMessage: "job abandoned mid-processing and reclaimed",
		label:        "fail stale processing jobs",
	}, maxAge, batchSize)
}

// FailStaleQueuedJobs marks queued jobs older than maxAge as failed with an
// orphaned error code. A job this old was submitted but its queue message was
// lost or never published, so no worker will ever claim it. Staleness is
// measured from updated_at, which a requeue refreshes, so jobs returned to
// the queue after a transient failure get a fresh window.
func (r *JobRepo) FailStaleQueuedJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return r.failStaleJobs(ctx, staleSweep{
		lockMinor:    advisoryLockReconcilerStaleQueued,
		status:       "queued",
		ageExpr:      "updated_at",
		errorMessage: "job never picked up by a worker",
		label:        "fail stale queued jobs",
	}, maxAge, batchSize)
}

func (r *JobRepo) failStaleJobs(ctx context.Context, sweep staleSweep, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReconcilerMajor, sweep.lockMinor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now().UTC()
			cutoffTime := currentTime.Add(-maxAge)

			res, err := tx.ExecContext(ctx, fmt.Sprintf(`
				WITH stale AS (
					SELECT id, user_id FROM assessment_jobs
					WHERE status = '%[1]s'
					  AND %[2]s < $2
					ORDER BY %[2]s
					LIMIT $3
					FOR UPDATE SKIP LOCKED
				), created AS (
					INSERT INTO assessment_results (id, job_id, user_id, status, error_code, created_at, updated_at)
					SELECT gen_random_uuid(), id, user_id, 'failed', 'orphaned', $1, $1 FROM stale
					ON CONFLICT (job_id) DO NOTHING
					RETURNING id, job_id
				)
				UPDATE assessment_jobs j
				SET status = 'failed',
				    error_code = 'orphaned',
				    error_message = '%[3]s',
				    result_id = created.id,
				    completed_at = $1,
				    updated_at = $1
				FROM created
				WHERE j.id = created.job_id
			`, sweep.status, sweep.ageExpr, sweep.errorMessage), currentTime, cutoffTime, batchSize)
			if err != nil {
				return fmt.Errorf("%s: %w", sweep.label, err)
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

// CascadeDeleteByJobID deletes a job together with its result. Returns false
// when the job did not exist. Deleting an already-deleted pair is a no-op.
func (r *JobRepo) CascadeDeleteByJobID(ctx context.Context, jobID string) (bool, error) {
	if strings.TrimSpace(jobID) == "" {
		return false, ErrJobIDRequired
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM assessment_jobs WHERE id = $1
	`, jobID)
	if err != nil {
		return false, fmt.Errorf("cascade delete by job id: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// CascadeDeleteByResultID deletes a result together with its job. The job row
// is removed and the result follows via the foreign key cascade. Returns false
// when the result did not exist.
func (r *JobRepo) CascadeDeleteByResultID(ctx context.Context, resultID string) (bool, error) {
	if strings.TrimSpace(resultID) == "" {
		return false, ErrResultIDRequired
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM assessment_jobs
		WHERE id = (SELECT job_id FROM assessment_results WHERE id = $1)
	`, resultID)
	if err != nil {
		return false, fmt.Errorf("cascade delete by result id: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteOldJobs deletes terminal jobs older than MaxAge, cascading to their
// results. Processes up to BatchSize jobs per call to prevent long locks.
// Uses advisory locks to prevent concurrent reconciler instances from conflicting.
// Returns the number of jobs deleted.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Valid() || !params.Status.Terminal() {
		return 0, fmt.Errorf("invalid terminal job status: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReconcilerMajor, advisoryLockReconcilerDeleteOld).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			cutoffTime := r.timeProvider.Now().Add(-params.MaxAge).UTC()

			res, err := tx.ExecContext(ctx, `
				DELETE FROM assessment_jobs
				WHERE id IN (
					SELECT id FROM assessment_jobs
					WHERE status = $1
					  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
					ORDER BY COALESCE(completed_at, updated_at)
					LIMIT $3
				)
			`, params.Status, cutoffTime, params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete old jobs: %w", err)
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
