package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/assessly/assess-api/config"
	"github.com/assessly/assess-api/internal/core"
	"github.com/assessly/assess-api/internal/domain/model"
	"github.com/assessly/assess-api/internal/observability/metrics"
	"github.com/assessly/assess-api/internal/observability/statsd"
)

// ReconcilerServiceOptions groups dependencies for ReconcilerService.
type ReconcilerServiceOptions struct {
	Repo    core.ReconcilerRepository // Required: reconciler repository
	DLQ     core.DeadLetterQueue      // Optional: dead letter queue for inspect/purge
	Config  config.ReconcilerConfig   // Required: reconciler configuration
	Logger  *slog.Logger              // Optional: structured logger
	Metrics statsd.Sink               // Optional: metrics sink (StatsD-compatible)
}

// ReconcilerService repairs drift between jobs, results, and the queue.
//
// This service manages:
// - Failing processing jobs whose worker died before finalizing them.
// - Failing queued jobs whose queue message was lost before any claim.
// - Repairing job/result pairs that disagree (on demand, per job).
// - Symmetric cascade deletes of job/result pairs.
// - Deleting old terminal jobs to prevent database bloat.
// - Dead letter stream inspection and purging.
//
// Every operation is idempotent and safe to run concurrently with workers.
type ReconcilerService struct {
	repo    core.ReconcilerRepository
	dlq     core.DeadLetterQueue
	config  config.ReconcilerConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReconcilerService constructs a new ReconcilerService.
func NewReconcilerService(opts ReconcilerServiceOptions) (*ReconcilerService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReconcilerRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reconciler_service")
		logger.Debug("ReconcilerService initialized",
			"interval", opts.Config.Interval,
			"stale_processing_age", opts.Config.StaleProcessingAge,
			"stale_queued_age", opts.Config.StaleQueuedAge,
			"retention_age", opts.Config.RetentionAge,
		)
	}

	return &ReconcilerService{
		repo:    opts.Repo,
		dlq:     opts.DLQ,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewReconcilerService constructs a new ReconcilerService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewReconcilerService(opts ReconcilerServiceOptions) *ReconcilerService {
	svc, err := NewReconcilerService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ReconcilerService: %v", err))
	}
	return svc
}

// Run starts the reconcile loop and runs until the context is cancelled.
// It performs repair operations at the configured interval.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReconcilerService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reconciler service", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run a pass immediately after jitter
	if err := s.runReconcile(ctx); err != nil {
		s.logReconcileError(err, "initial reconcile")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *ReconcilerService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		// Graceful shutdown during jitter
	}
}

// runLoop runs the reconcile loop until context is cancelled.
func (s *ReconcilerService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reconciler service stopping", "reason", ctx.Err())
			}
			// Return nil on graceful shutdown to avoid treating it as a failure
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runReconcile(ctx); err != nil {
				s.logReconcileError(err, "reconcile")
				if isContextCancellation(err) {
					continue
				}
				// Continue running despite errors
			}
		}
	}
}

// runReconcile performs one scheduled repair pass.
func (s *ReconcilerService) runReconcile(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
	)

	steps := []reconcileStep{
		{fn: s.cleanupOrphanedJobs, label: "fail stale jobs", operation: "fail_stale"},
		{fn: s.deleteOldTerminalJobs, label: "delete old terminal jobs", operation: "delete_old"},
	}

	for _, step := range steps {
		count, err := step.fn(ctx)
		metrics.EmitReconcile(s.metrics, step.operation, count, suppressContextCancellation(err))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			allContextCanceled = allContextCanceled && isContextCancellation(err)
		}
	}

	if s.metrics != nil {
		s.metrics.Timing("reconcile.pass_duration", time.Since(start), nil)
		if len(errs) == 0 {
			s.metrics.Gauge("reconcile.last_success_epoch", float64(time.Now().Unix()), nil)
		}
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("reconcile failed: %w", joined)
	}

	return nil
}

type reconcileStep struct {
	fn        func(context.Context) (int64, error)
	label     string
	operation string
}

// SyncStatus repairs the job/result pair for one job and reports what
// changed. Safe to call repeatedly; a consistent pair is a no-op.
func (s *ReconcilerService) SyncStatus(ctx context.Context, jobID string) (*core.SyncReport, error) {
	report, err := s.repo.SyncJobStatus(ctx, jobID)

	var repaired int64
	if report != nil && report.Changed {
		repaired = 1
	}
	metrics.EmitReconcile(s.metrics, "sync_status", repaired, err)

	if err != nil {
		return nil, fmt.Errorf("sync job status: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job status synced",
			"job_id", report.JobID,
			"status_before", report.StatusBefore,
			"status_after", report.StatusAfter,
			"result_created", report.ResultCreated,
			"result_linked", report.ResultLinked,
			"changed", report.Changed,
		)
	}
	return report, nil
}

// CleanupOrphanedJobs fails every processing job older than the processing
// staleness threshold and every queued job older than the queued staleness
// threshold, recording an orphaned failure result for each. Returns the
// number of jobs repaired.
func (s *ReconcilerService) CleanupOrphanedJobs(ctx context.Context) (int64, error) {
	count, err := s.cleanupOrphanedJobs(ctx)
	metrics.EmitReconcile(s.metrics, "fail_stale", count, suppressContextCancellation(err))
	return count, err
}

// cleanupOrphanedJobs sweeps abandoned processing jobs first, then queued
// jobs whose message was lost before any worker claimed them.
func (s *ReconcilerService) cleanupOrphanedJobs(ctx context.Context) (int64, error) {
	processing, err := s.drainStaleSweep(ctx,
		s.repo.FailStaleProcessingJobs, s.config.StaleProcessingAge, "failed stale processing jobs")
	if err != nil {
		return processing, err
	}

	queued, err := s.drainStaleSweep(ctx,
		s.repo.FailStaleQueuedJobs, s.config.StaleQueuedAge, "failed stale queued jobs")
	return processing + queued, err
}

// drainStaleSweep repeats one stale sweep until a batch comes back empty, to
// handle large datasets in batches.
func (s *ReconcilerService) drainStaleSweep(
	ctx context.Context,
	sweep func(context.Context, time.Duration, int) (int64, error),
	maxAge time.Duration,
	label string,
) (int64, error) {
	var totalCount int64
	for {
		count, err := sweep(ctx, maxAge, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, label,
			"count", totalCount,
			"max_age", maxAge,
		)
	}

	return totalCount, nil
}

// deleteOldTerminalJobs deletes terminal jobs older than the retention window,
// cascading to their results. Loops until no more rows are affected.
func (s *ReconcilerService) deleteOldTerminalJobs(ctx context.Context) (int64, error) {
	var totalCount int64
	statuses := []model.JobStatus{
		model.JobStatusCompleted,
		model.JobStatusFailed,
		model.JobStatusCancelled,
	}

	for _, status := range statuses {
		var statusCount int64
		for {
			count, err := s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
				Status:    status,
				MaxAge:    s.config.RetentionAge,
				BatchSize: s.config.BatchSize,
			})
			if err != nil {
				return totalCount, err
			}
			if count == 0 {
				break
			}
			statusCount += count
			totalCount += count

			if ctx.Err() != nil {
				return totalCount, ctx.Err()
			}
		}

		if statusCount > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "deleted old terminal jobs",
				"status", status,
				"count", statusCount,
				"max_age", s.config.RetentionAge,
			)
		}
	}

	return totalCount, nil
}

// CascadeDeleteJob deletes a job together with its result. Returns false when
// the job did not exist.
func (s *ReconcilerService) CascadeDeleteJob(ctx context.Context, jobID string) (bool, error) {
	deleted, err := s.repo.CascadeDeleteByJobID(ctx, jobID)
	metrics.EmitReconcile(s.metrics, "cascade_delete_job", boolCount(deleted), err)
	if err != nil {
		return false, fmt.Errorf("cascade delete job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "cascade delete by job",
			"job_id", jobID,
			"deleted", deleted,
		)
	}
	return deleted, nil
}

// CascadeDeleteResult deletes a result together with its job. Returns false
// when the result did not exist.
func (s *ReconcilerService) CascadeDeleteResult(ctx context.Context, resultID string) (bool, error) {
	deleted, err := s.repo.CascadeDeleteByResultID(ctx, resultID)
	metrics.EmitReconcile(s.metrics, "cascade_delete_result", boolCount(deleted), err)
	if err != nil {
		return false, fmt.Errorf("cascade delete result: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "cascade delete by result",
			"result_id", resultID,
			"deleted", deleted,
		)
	}
	return deleted, nil
}

// DLQList returns up to limit entries from the dead letter stream without
// removing them.
func (s *ReconcilerService) DLQList(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if s.dlq == nil {
		return nil, errors.New("dead letter queue is not configured")
	}
	letters, err := s.dlq.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return letters, nil
}

// DLQPurge removes every dead letter. Each purged payload is written to the
// audit log before it is discarded.
func (s *ReconcilerService) DLQPurge(ctx context.Context) (int64, error) {
	if s.dlq == nil {
		return 0, errors.New("dead letter queue is not configured")
	}

	letters, err := s.dlq.Purge(ctx)
	purged := int64(len(letters))
	metrics.EmitReconcile(s.metrics, "dlq_purge", purged, err)
	if err != nil {
		return purged, fmt.Errorf("purge dead letters: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "dead letter stream purged", "count", purged)
	}
	return purged, nil
}

func (s *ReconcilerService) logReconcileError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func boolCount(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
