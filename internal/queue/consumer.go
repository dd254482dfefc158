package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/assessly/assess-api/internal/core"
	"github.com/assessly/assess-api/internal/domain/model"
	apperrors "github.com/assessly/assess-api/internal/errors"
)

// ConsumerOptions configures a consumer-group consumer.
type ConsumerOptions struct {
	Client redis.UniversalClient
	Stream string
	Group  string
	// Consumer is this instance's name within the group. Must be stable for
	// the life of the process so pending entries can be reclaimed.
	Consumer string
	// DLQStream receives deliveries that exhausted their attempts.
	DLQStream string
	// Block bounds how long Fetch waits for new deliveries.
	Block time.Duration
	// ClaimMinIdle is how long a pending delivery must sit idle before
	// another consumer may reclaim it.
	ClaimMinIdle time.Duration
	Logger       *slog.Logger
	TimeProvider func() time.Time
}

// Consumer reads task deliveries on behalf of a worker group.
type Consumer struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumer     string
	dlqStream    string
	block        time.Duration
	claimMinIdle time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewConsumer creates a Consumer and ensures the consumer group exists.
func NewConsumer(ctx context.Context, opts ConsumerOptions) (*Consumer, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Stream == "" || opts.Group == "" || opts.Consumer == "" {
		return nil, errors.New("stream, group, and consumer names are required")
	}
	if opts.DLQStream == "" {
		return nil, errors.New("dead letter stream name is required")
	}

	c := &Consumer{
		client:       opts.Client,
		stream:       opts.Stream,
		group:        opts.Group,
		consumer:     opts.Consumer,
		dlqStream:    opts.DLQStream,
		block:        opts.Block,
		claimMinIdle: opts.ClaimMinIdle,
		logger:       opts.Logger,
		now:          opts.TimeProvider,
	}
	if c.block <= 0 {
		c.block = 5 * time.Second
	}
	if c.claimMinIdle <= 0 {
		c.claimMinIdle = time.Minute
	}
	if c.now == nil {
		c.now = time.Now
	}

	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureGroup creates the consumer group at the start of the stream, creating
// the stream itself when missing. An existing group is not an error.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

// Fetch blocks up to the configured window for new deliveries. Returns an
// empty slice when the window elapses without messages.
func (c *Consumer) Fetch(ctx context.Context, max int) ([]core.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(max),
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransport, "read task stream")
	}

	var deliveries []core.Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			d, decodeErr := c.toDelivery(msg, 1)
			if decodeErr != nil {
				// Undecodable messages can never succeed; dead-letter them
				// immediately instead of looping forever.
				c.deadLetterRaw(ctx, msg, decodeErr)
				continue
			}
			deliveries = append(deliveries, d)
		}
	}
	return deliveries, nil
}

// ClaimStale reclaims deliveries whose previous claimant went idle past the
// configured threshold. The returned deliveries carry their accumulated
// delivery counts so callers can enforce the retry ceiling.
func (c *Consumer) ClaimStale(ctx context.Context, max int) ([]core.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Idle:   c.claimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(max),
	}).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransport, "list pending deliveries")
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount
	}

	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.claimMinIdle,
		Messages: ids,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransport, "claim stale deliveries")
	}

	var deliveries []core.Delivery
	for _, msg := range claimed {
		// XCLAIM increments the delivery counter for each reclaimed entry.
		count := counts[msg.ID] + 1
		d, decodeErr := c.toDelivery(msg, count)
		if decodeErr != nil {
			c.deadLetterRaw(ctx, msg, decodeErr)
			continue
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Ack confirms the delivery was durably handled and removes it from the stream.
func (c *Consumer) Ack(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeTransport, "ack message %s", messageID)
	}
	// Acked entries are dead weight; deleting keeps the stream bounded.
	if err := c.client.XDel(ctx, c.stream, messageID).Err(); err != nil && c.logger != nil {
		c.logger.WarnContext(ctx, "delete acked message failed",
			"message_id", messageID,
			"error", err,
		)
	}
	return nil
}

// DeadLetter moves an exhausted delivery to the dead letter stream and acks it
// from the task stream.
func (c *Consumer) DeadLetter(ctx context.Context, d core.Delivery, reason string) error {
	letter := &model.DeadLetter{
		MessageID:  d.MessageID,
		Task:       d.Task,
		Deliveries: d.Deliveries,
		LastError:  reason,
		DeadAt:     c.now().UTC(),
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.dlqStream,
		Values: encodeDeadLetter(letter),
	}).Err(); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeTransport, "dead letter message %s", d.MessageID)
	}

	if err := c.Ack(ctx, d.MessageID); err != nil {
		return err
	}

	if c.logger != nil {
		c.logger.WarnContext(ctx, "delivery dead lettered",
			"job_id", d.Task.JobID,
			"message_id", d.MessageID,
			"deliveries", d.Deliveries,
			"reason", reason,
		)
	}
	return nil
}

func (c *Consumer) toDelivery(msg redis.XMessage, deliveries int64) (core.Delivery, error) {
	task, err := decodeTask(msg.Values)
	if err != nil {
		return core.Delivery{}, err
	}
	return core.Delivery{
		MessageID:  msg.ID,
		Task:       task,
		Deliveries: deliveries,
	}, nil
}

// deadLetterRaw moves a message that cannot be decoded straight to the dead
// letter stream, preserving whatever fields it carried.
func (c *Consumer) deadLetterRaw(ctx context.Context, msg redis.XMessage, cause error) {
	values := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values[fieldOriginID] = msg.ID
	values[fieldLastError] = cause.Error()
	values[fieldDeadAt] = c.now().UTC().Format(time.RFC3339Nano)

	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.dlqStream, Values: values}).Err(); err != nil {
		if c.logger != nil {
			c.logger.ErrorContext(ctx, "dead letter undecodable message failed",
				"message_id", msg.ID,
				"error", err,
			)
		}
		return
	}
	if err := c.Ack(ctx, msg.ID); err != nil && c.logger != nil {
		c.logger.ErrorContext(ctx, "ack undecodable message failed",
			"message_id", msg.ID,
			"error", err,
		)
	}
	if c.logger != nil {
		c.logger.WarnContext(ctx, "undecodable message dead lettered",
			"message_id", msg.ID,
			"error", cause,
		)
	}
}
