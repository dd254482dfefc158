package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/assessly/assess-api/internal/core"
	"github.com/assessly/assess-api/internal/domain/model"
	"github.com/assessly/assess-api/internal/observability/metrics"
	"github.com/assessly/assess-api/internal/observability/statsd"
)

// SubmitterServiceOptions groups dependencies for SubmitterService.
type SubmitterServiceOptions struct {
	Repo     core.JobRepository // Required: job repository
	Producer core.TaskProducer  // Required: task queue producer
	Logger   *slog.Logger       // Optional: structured logger
	Metrics  statsd.Sink        // Optional: metrics sink (StatsD-compatible)
}

// SubmitterService accepts assessment requests, records them durably, and
// announces them on the task queue.
//
// Submission is idempotent per (user_id, idempotency_key): a repeated submit
// returns the already-accepted job without publishing a second message.
type SubmitterService struct {
	repo     core.JobRepository
	producer core.TaskProducer
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewSubmitterService constructs a new SubmitterService.
func NewSubmitterService(opts SubmitterServiceOptions) (*SubmitterService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Producer == nil {
		return nil, errors.New("TaskProducer is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "submitter_service")
	}

	return &SubmitterService{
		repo:     opts.Repo,
		producer: opts.Producer,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// MustNewSubmitterService constructs a new SubmitterService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewSubmitterService(opts SubmitterServiceOptions) *SubmitterService {
	svc, err := NewSubmitterService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create SubmitterService: %v", err))
	}
	return svc
}

// Submit records the assessment request and publishes one queue message for
// it. A repeated request with the same (user, idempotency key) pair returns
// the original job and publishes nothing.
//
// The job row is committed before the message is published. When the publish
// fails the job stays queued and the submit still succeeds; the reconciler
// picks abandoned queued jobs back up.
func (s *SubmitterService) Submit(
	ctx context.Context,
	req *model.SubmitRequest,
) (*model.SubmitReceipt, error) {
	job, created, err := s.repo.CreateIdempotent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}

	receipt := &model.SubmitReceipt{
		JobID:   job.ID,
		Status:  job.Status,
		Created: created,
	}

	if !created {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "duplicate submit",
				"job_id", job.ID,
				"user_id", job.UserID,
				"status", job.Status,
			)
		}
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Transition: metrics.TransitionSubmitted,
			Result:     metrics.ResultNoop,
		})
		return receipt, nil
	}

	msg := &model.TaskMessage{
		JobID:      job.ID,
		UserID:     job.UserID,
		Payload:    job.Payload,
		EnqueuedAt: job.CreatedAt,
	}
	if err := s.producer.Publish(ctx, msg); err != nil {
		// The job is already durable. Leave it queued for the reconciler
		// rather than failing the submit.
		if s.logger != nil {
			s.logger.WarnContext(ctx, "task publish failed, job left queued",
				"job_id", job.ID,
				"error", err,
			)
		}
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Transition: metrics.TransitionSubmitted,
			Result:     metrics.ResultError,
			Err:        err,
		})
		return receipt, nil
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job submitted",
			"job_id", job.ID,
			"user_id", job.UserID,
		)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: metrics.TransitionSubmitted,
		Result:     metrics.ResultSuccess,
	})
	return receipt, nil
}
