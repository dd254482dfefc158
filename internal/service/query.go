package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/assessly/assess-api/internal/core"
	"github.com/assessly/assess-api/internal/data"
	domainjob "github.com/assessly/assess-api/internal/domain/job"
	"github.com/assessly/assess-api/internal/domain/model"
	apperrors "github.com/assessly/assess-api/internal/errors"
)

// JobQueryServiceOptions groups dependencies for JobQueryService.
type JobQueryServiceOptions struct {
	Jobs     core.JobRepository    // Required: job repository
	Results  core.ResultRepository // Required: result repository
	Notifier core.Notifier         // Optional: lifecycle event fan-out
	Logger   *slog.Logger          // Optional: structured logger
}

// JobQueryService answers job and result lookups on behalf of a user. It is
// the polling fallback for clients without a live notification session, and
// it owns pre-pickup cancellation.
//
// Every lookup is scoped to the requesting user; rows owned by someone else
// read as not found.
type JobQueryService struct {
	jobs     core.JobRepository
	results  core.ResultRepository
	notifier core.Notifier
	logger   *slog.Logger
}

// NewJobQueryService constructs a new JobQueryService.
func NewJobQueryService(opts JobQueryServiceOptions) (*JobQueryService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Results == nil {
		return nil, errors.New("ResultRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_query_service")
	}

	return &JobQueryService{
		jobs:     opts.Jobs,
		results:  opts.Results,
		notifier: opts.Notifier,
		logger:   logger,
	}, nil
}

// MustNewJobQueryService constructs a new JobQueryService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobQueryService(opts JobQueryServiceOptions) *JobQueryService {
	svc, err := NewJobQueryService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobQueryService: %v", err))
	}
	return svc
}

// GetJob returns the user's job by id.
func (s *JobQueryService) GetJob(ctx context.Context, userID, jobID string) (*model.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			return nil, apperrors.NotFoundf("job %s not found", jobID)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job.UserID != userID {
		return nil, apperrors.NotFoundf("job %s not found", jobID)
	}
	return job, nil
}

// GetResult returns the user's result by id.
func (s *JobQueryService) GetResult(ctx context.Context, userID, resultID string) (*model.Result, error) {
	result, err := s.results.GetByID(ctx, resultID)
	if err != nil {
		if errors.Is(err, data.ErrResultNotFound) {
			return nil, apperrors.NotFoundf("result %s not found", resultID)
		}
		return nil, fmt.Errorf("get result: %w", err)
	}
	if result.UserID != userID {
		return nil, apperrors.NotFoundf("result %s not found", resultID)
	}
	return result, nil
}

// GetResultForJob returns the result recorded for the user's job.
func (s *JobQueryService) GetResultForJob(ctx context.Context, userID, jobID string) (*model.Result, error) {
	// Check job ownership first so a foreign job id never leaks whether a
	// result exists.
	if _, err := s.GetJob(ctx, userID, jobID); err != nil {
		return nil, err
	}

	result, err := s.results.GetByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, data.ErrResultNotFound) {
			return nil, apperrors.NotFoundf("job %s has no result", jobID)
		}
		return nil, fmt.Errorf("get result for job: %w", err)
	}
	return result, nil
}

// ListResults returns the user's results, newest first.
func (s *JobQueryService) ListResults(
	ctx context.Context,
	userID string,
	limit, offset int,
) ([]*model.Result, error) {
	results, err := s.results.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}

// Cancel cancels the user's job if a worker has not picked it up yet. Jobs
// already processing or finished cannot be cancelled and report a conflict.
func (s *JobQueryService) Cancel(ctx context.Context, userID, jobID string) error {
	job, err := s.GetJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if transitionErr := domainjob.CheckTransition(job.Status, model.JobStatusCancelled); transitionErr != nil {
		return transitionErr
	}

	cancelled, err := s.jobs.CancelQueued(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if !cancelled {
		return apperrors.Conflictf("job %s is no longer queued", jobID)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancelled",
			"job_id", job.ID,
			"user_id", userID,
		)
	}
	if s.notifier != nil {
		// Cancelled jobs surface as failures to the client.
		if event, eventErr := domainjob.NotificationFor(model.JobStatusCancelled); eventErr == nil {
			s.notifier.Notify(userID, model.Notification{
				Type:      event,
				JobID:     job.ID,
				ErrorCode: string(apperrors.ErrCodeCanceled),
			})
		}
	}
	return nil
}

// Stats returns counts of jobs in each state.
func (s *JobQueryService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.jobs.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}
