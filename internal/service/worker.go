package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/assessly/assess-api/config"
	"github.com/assessly/assess-api/internal/core"
	"github.com/assessly/assess-api/internal/data"
	"github.com/assessly/assess-api/internal/domain/model"
	apperrors "github.com/assessly/assess-api/internal/errors"
	"github.com/assessly/assess-api/internal/observability/metrics"
	"github.com/assessly/assess-api/internal/observability/statsd"
)

// fetchBackoff is how long a consume loop pauses after a fetch error before
// asking the broker again.
const fetchBackoff = time.Second

// WorkerServiceOptions groups dependencies for WorkerService.
type WorkerServiceOptions struct {
	Jobs     core.JobRepository   // Required: job repository
	Consumer core.TaskConsumer    // Required: task queue consumer
	AI       core.InferenceClient // Required: model client
	Config   config.WorkerConfig  // Required: worker configuration
	Queue    config.QueueConfig   // Required: queue configuration (retry ceiling, claim window)
	Notifier core.Notifier        // Optional: lifecycle event fan-out
	Logger   *slog.Logger         // Optional: structured logger
	Metrics  statsd.Sink          // Optional: metrics sink (StatsD-compatible)
}

// WorkerService drains the task queue and runs the assessment for each job.
//
// The worker claims a job with a compare-and-set from queued to processing;
// a delivery that finds the job in any other status is acknowledged and
// dropped as a duplicate. Results and terminal job status are written in one
// transaction, and the message is acknowledged only after that commit.
// Transient transport failures return the job to queued and leave the message
// unacknowledged for a bounded number of redeliveries before it is
// dead-lettered.
type WorkerService struct {
	jobs     core.JobRepository
	consumer core.TaskConsumer
	ai       core.InferenceClient
	notifier core.Notifier
	config   config.WorkerConfig
	queue    config.QueueConfig
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewWorkerService constructs a new WorkerService.
func NewWorkerService(opts WorkerServiceOptions) (*WorkerService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Consumer == nil {
		return nil, errors.New("TaskConsumer is required")
	}
	if opts.AI == nil {
		return nil, errors.New("InferenceClient is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "worker_service")
		logger.Debug("WorkerService initialized",
			"concurrency", opts.Config.Concurrency,
			"fetch_batch", opts.Config.FetchBatch,
			"max_deliveries", opts.Queue.MaxDeliveries,
		)
	}

	return &WorkerService{
		jobs:     opts.Jobs,
		consumer: opts.Consumer,
		ai:       opts.AI,
		notifier: opts.Notifier,
		config:   opts.Config,
		queue:    opts.Queue,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// MustNewWorkerService constructs a new WorkerService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewWorkerService(opts WorkerServiceOptions) *WorkerService {
	svc, err := NewWorkerService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create WorkerService: %v", err))
	}
	return svc
}

// Run starts the configured number of consume loops plus one claim loop for
// deliveries abandoned by dead workers, and blocks until the context is
// cancelled. Returns nil on graceful shutdown.
func (s *WorkerService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting worker service",
			"concurrency", s.config.Concurrency,
		)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Concurrency; i++ {
		g.Go(func() error {
			return s.consumeLoop(ctx)
		})
	}
	g.Go(func() error {
		return s.claimLoop(ctx)
	})

	err := g.Wait()
	if s.logger != nil {
		s.logger.Info("worker service stopped", "reason", err)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consumeLoop fetches new deliveries and processes them until the context is
// cancelled. Fetch errors are logged and retried after a short pause.
func (s *WorkerService) consumeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deliveries, err := s.consumer.Fetch(ctx, s.config.FetchBatch)
		if err != nil {
			if isContextCancellation(err) {
				return ctx.Err()
			}
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "fetch failed", "error", err)
			}
			select {
			case <-time.After(fetchBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, d := range deliveries {
			s.handle(ctx, d)
		}
	}
}

// claimLoop periodically reclaims deliveries whose previous claimant stopped
// acknowledging, so work abandoned by a dead worker gets retried.
func (s *WorkerService) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.queue.ClaimMinIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deliveries, err := s.consumer.ClaimStale(ctx, s.config.FetchBatch)
			if err != nil {
				if isContextCancellation(err) {
					return ctx.Err()
				}
				if s.logger != nil {
					s.logger.ErrorContext(ctx, "stale claim failed", "error", err)
				}
				continue
			}
			for _, d := range deliveries {
				s.handle(ctx, d)
			}
		}
	}
}

// handle processes one delivery end to end. It never returns an error: every
// outcome is either acknowledged, dead-lettered, or deliberately left pending
// for redelivery.
func (s *WorkerService) handle(ctx context.Context, d core.Delivery) {
	if d.Deliveries > s.queue.MaxDeliveries {
		s.deadLetter(ctx, d, "delivery ceiling reached")
		return
	}

	job, ok := s.claimJob(ctx, d)
	if !ok {
		return
	}

	s.notify(job.UserID, model.Notification{
		Type:  model.NotificationAnalysisStarted,
		JobID: job.ID,
	})
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: metrics.TransitionProcessing,
		Result:     metrics.ResultSuccess,
	})

	start := time.Now()
	analysis, err := s.ai.Infer(ctx, job.Payload)
	if err != nil {
		s.handleInferError(ctx, d, job, err, time.Since(start))
		return
	}
	s.completeJob(ctx, d, job, analysis, time.Since(start))
}

// claimJob moves the job to processing. The second return is false when the
// delivery needs no further work here: duplicates and vanished jobs are
// acknowledged and dropped, transport failures are left for redelivery.
func (s *WorkerService) claimJob(ctx context.Context, d core.Delivery) (*model.Job, bool) {
	job, err := s.jobs.MarkProcessing(ctx, d.Task.JobID)
	if err == nil {
		return job, true
	}

	if conflict, isConflict := data.AsStatusConflict(err); isConflict {
		// Any non-queued status means this delivery is a duplicate: the job
		// is claimed, finished, or cancelled. Acknowledge and drop; stuck
		// processing rows are the reconciler's to repair, never this worker's
		// to re-run.
		if s.logger != nil {
			s.logger.DebugContext(ctx, "duplicate delivery dropped",
				"job_id", d.Task.JobID,
				"status", conflict.Status,
				"deliveries", d.Deliveries,
			)
		}
		s.ack(ctx, d)
		return nil, false
	}

	if errors.Is(err, data.ErrJobNotFound) {
		// The job was deleted between enqueue and pickup (cascade delete).
		if s.logger != nil {
			s.logger.WarnContext(ctx, "delivery for missing job dropped",
				"job_id", d.Task.JobID,
			)
		}
		s.ack(ctx, d)
		return nil, false
	}

	// Database unavailable or similar. Leave the delivery pending so it is
	// reclaimed and retried.
	if s.logger != nil {
		s.logger.ErrorContext(ctx, "claim job failed",
			"job_id", d.Task.JobID,
			"error", err,
		)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: metrics.TransitionRequeued,
		Result:     metrics.ResultError,
		Err:        err,
	})
	return nil, false
}

// completeJob writes the result and terminal status in one transaction, then
// acknowledges the delivery.
func (s *WorkerService) completeJob(
	ctx context.Context,
	d core.Delivery,
	job *model.Job,
	analysis []byte,
	elapsed time.Duration,
) {
	result, err := s.jobs.Complete(ctx, core.CompleteJobParams{
		JobID:    job.ID,
		Analysis: analysis,
	})
	if err != nil {
		s.handleTerminalWriteError(ctx, d, job.ID, err)
		return
	}

	s.ack(ctx, d)
	s.notify(job.UserID, model.Notification{
		Type:     model.NotificationAnalysisComplete,
		JobID:    job.ID,
		ResultID: result.ID,
	})
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: metrics.TransitionCompleted,
		Result:     metrics.ResultSuccess,
		Duration:   elapsed,
	})

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job completed",
			"job_id", job.ID,
			"result_id", result.ID,
			"duration", elapsed,
		)
	}
}

// handleInferError decides between retrying a transient failure and recording
// a terminal one. Model timeouts and upstream rejections are terminal by
// contract; only transport failures earn redelivery, and only below the
// delivery ceiling.
func (s *WorkerService) handleInferError(
	ctx context.Context,
	d core.Delivery,
	job *model.Job,
	inferErr error,
	elapsed time.Duration,
) {
	if isContextCancellation(ctx.Err()) {
		// Shutdown raced the model call. Put the job back to queued so the
		// pending delivery can claim it again on redelivery.
		s.requeueJob(context.WithoutCancel(ctx), job.ID)
		return
	}

	if apperrors.Retryable(inferErr) && d.Deliveries < s.queue.MaxDeliveries {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "transient failure, requeueing for retry",
				"job_id", job.ID,
				"deliveries", d.Deliveries,
				"error", inferErr,
			)
		}
		s.requeueJob(ctx, job.ID)
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Transition: metrics.TransitionRequeued,
			Result:     metrics.ResultError,
			Err:        inferErr,
		})
		return
	}

	code := apperrors.GetCode(inferErr)
	if code == "" {
		code = apperrors.ErrCodeInternal
	}

	result, err := s.jobs.Fail(ctx, core.FailJobParams{
		JobID:        job.ID,
		ErrorCode:    string(code),
		ErrorMessage: inferErr.Error(),
	})
	if err != nil {
		s.handleTerminalWriteError(ctx, d, job.ID, err)
		return
	}

	if apperrors.Retryable(inferErr) {
		// Retries exhausted: park the message for operators alongside the
		// recorded failure.
		s.deadLetter(ctx, d, inferErr.Error())
	} else {
		s.ack(ctx, d)
	}

	s.notify(job.UserID, model.Notification{
		Type:      model.NotificationAnalysisFailed,
		JobID:     job.ID,
		ResultID:  result.ID,
		ErrorCode: string(code),
	})
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: metrics.TransitionFailed,
		Result:     metrics.ResultError,
		Duration:   elapsed,
		Err:        inferErr,
	})

	if s.logger != nil {
		s.logger.WarnContext(ctx, "job failed",
			"job_id", job.ID,
			"error_code", code,
			"error", inferErr,
		)
	}
}

// handleTerminalWriteError sorts out a failed terminal write. A status
// conflict means another writer finalized the job first and the delivery can
// be dropped; anything else requeues the job and leaves the delivery pending
// for another attempt.
func (s *WorkerService) handleTerminalWriteError(
	ctx context.Context,
	d core.Delivery,
	jobID string,
	err error,
) {
	if _, isConflict := data.AsStatusConflict(err); isConflict {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "job already finalized elsewhere",
				"job_id", jobID,
			)
		}
		s.ack(ctx, d)
		return
	}

	if s.logger != nil {
		s.logger.ErrorContext(ctx, "terminal write failed, leaving delivery for retry",
			"job_id", jobID,
			"error", err,
		)
	}
	s.requeueJob(ctx, jobID)
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: metrics.TransitionRequeued,
		Result:     metrics.ResultError,
		Err:        err,
	})
}

// requeueJob returns a job to queued so the pending delivery can claim it
// again. Failures are logged and left alone; a row stuck in processing is
// repaired by the reconciler's stale sweep.
func (s *WorkerService) requeueJob(ctx context.Context, jobID string) {
	requeued, err := s.jobs.Requeue(ctx, jobID)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "requeue failed, leaving job for the reconciler",
				"job_id", jobID,
				"error", err,
			)
		}
		return
	}
	if !requeued && s.logger != nil {
		s.logger.DebugContext(ctx, "requeue skipped, job no longer processing",
			"job_id", jobID,
		)
	}
}

func (s *WorkerService) deadLetter(ctx context.Context, d core.Delivery, reason string) {
	if err := s.consumer.DeadLetter(ctx, d, reason); err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "dead letter failed",
				"message_id", d.MessageID,
				"job_id", d.Task.JobID,
				"error", err,
			)
		}
		return
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "delivery dead-lettered",
			"message_id", d.MessageID,
			"job_id", d.Task.JobID,
			"deliveries", d.Deliveries,
			"reason", reason,
		)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: metrics.TransitionDeadLetter,
		Result:     metrics.ResultError,
	})
}

func (s *WorkerService) ack(ctx context.Context, d core.Delivery) {
	if err := s.consumer.Ack(ctx, d.MessageID); err != nil && s.logger != nil {
		// The next delivery hits the terminal-status conflict and is dropped.
		s.logger.WarnContext(ctx, "ack failed",
			"message_id", d.MessageID,
			"error", err,
		)
	}
}

func (s *WorkerService) notify(userID string, n model.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(userID, n)
}
