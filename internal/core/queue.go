package core

import (
	"context"
	"encoding/json"

	"github.com/assessly/assess-api/internal/domain/model"
)

// Delivery is a task message handed to a worker, together with the broker
// bookkeeping needed to ack or dead-letter it.
type Delivery struct {
	MessageID  string
	Task       model.TaskMessage
	Deliveries int64
}

// TaskProducer publishes task messages for queued jobs.
type TaskProducer interface {
	Publish(ctx context.Context, msg *model.TaskMessage) error
}

// TaskConsumer consumes task messages on behalf of a worker group. A fetched
// delivery stays pending until acked; unacked deliveries are redelivered via
// ClaimStale once their claim goes idle.
type TaskConsumer interface {
	// Fetch blocks up to the consumer's configured wait window for new
	// deliveries. Returns an empty slice when the window elapses.
	Fetch(ctx context.Context, max int) ([]Delivery, error)

	// ClaimStale reclaims deliveries whose previous claimant went quiet.
	// Reclaimed deliveries carry their accumulated delivery count.
	ClaimStale(ctx context.Context, max int) ([]Delivery, error)

	// Ack confirms the delivery was durably handled and removes it.
	Ack(ctx context.Context, messageID string) error

	// DeadLetter moves an exhausted delivery to the dead letter stream,
	// recording the reason, and acks it from the main stream.
	DeadLetter(ctx context.Context, d Delivery, reason string) error
}

// DeadLetterQueue exposes the dead letter stream for operators.
type DeadLetterQueue interface {
	List(ctx context.Context, limit int) ([]model.DeadLetter, error)

	// Purge removes every dead letter and returns the number purged. Callers
	// must log the purged payloads before discarding them.
	Purge(ctx context.Context) ([]model.DeadLetter, error)
}

// InferenceClient runs the AI analysis for a job payload. Implementations
// enforce their own wall-clock deadline and never retry.
type InferenceClient interface {
	Infer(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Notifier pushes lifecycle events to a user's connected sessions. Delivery is
// best effort; implementations must not block job processing.
type Notifier interface {
	Notify(userID string, n model.Notification)
}
