package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/assessly/assess-api/internal/domain/model"
	apperrors "github.com/assessly/assess-api/internal/errors"
)

// ProducerOptions configures a task producer.
type ProducerOptions struct {
	Client redis.UniversalClient
	Stream string
	// MaxLen caps the task stream with approximate trimming. Zero disables
	// trimming.
	MaxLen int64
	Logger *slog.Logger
}

// Producer publishes task messages onto the task stream.
type Producer struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewProducer creates a new Producer.
func NewProducer(opts ProducerOptions) (*Producer, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	return &Producer{
		client: opts.Client,
		stream: opts.Stream,
		maxLen: opts.MaxLen,
		logger: opts.Logger,
	}, nil
}

// Publish appends one task message to the stream. Failures are reported as
// transport errors so callers know the job row is committed but unannounced.
func (p *Producer) Publish(ctx context.Context, msg *model.TaskMessage) error {
	if msg == nil {
		return apperrors.Validation("task message is required")
	}
	if err := msg.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid task message")
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: encodeTask(msg),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeTransport, "publish task for job %s", msg.JobID)
	}

	if p.logger != nil {
		p.logger.DebugContext(ctx, "task published",
			"job_id", msg.JobID,
			"message_id", id,
		)
	}
	return nil
}
