package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/assessly/assess-api/internal/domain/model"
	apperrors "github.com/assessly/assess-api/internal/errors"
)

// DLQ exposes the dead letter stream for operators. Entries stay put until an
// operator inspects and purges them.
type DLQ struct {
	client redis.UniversalClient
	stream string
	logger *slog.Logger
}

// NewDLQ creates a DLQ handle over the given stream.
func NewDLQ(client redis.UniversalClient, stream string, logger *slog.Logger) (*DLQ, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if stream == "" {
		return nil, errors.New("dead letter stream name is required")
	}
	return &DLQ{client: client, stream: stream, logger: logger}, nil
}

// List returns up to limit dead letters, oldest first.
func (q *DLQ) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	msgs, err := q.client.XRangeN(ctx, q.stream, "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransport, "list dead letters")
	}

	letters := make([]model.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		letter, decodeErr := decodeDeadLetter(msg.ID, msg.Values)
		if decodeErr != nil {
			// Keep undecodable entries visible rather than hiding them.
			letter = model.DeadLetter{MessageID: msg.ID, LastError: decodeErr.Error()}
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// Purge removes every dead letter and returns the purged entries so callers
// can write them to the audit log before they are gone.
func (q *DLQ) Purge(ctx context.Context) ([]model.DeadLetter, error) {
	var purged []model.DeadLetter
	for {
		msgs, err := q.client.XRangeN(ctx, q.stream, "-", "+", 100).Result()
		if err != nil {
			return purged, apperrors.Wrap(err, apperrors.ErrCodeTransport, "read dead letters for purge")
		}
		if len(msgs) == 0 {
			return purged, nil
		}

		ids := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			letter, decodeErr := decodeDeadLetter(msg.ID, msg.Values)
			if decodeErr != nil {
				letter = model.DeadLetter{MessageID: msg.ID, LastError: decodeErr.Error()}
			}
			purged = append(purged, letter)
			ids = append(ids, msg.ID)

			if q.logger != nil {
				q.logger.InfoContext(ctx, "dead letter purged",
					"message_id", msg.ID,
					"job_id", letter.Task.JobID,
					"user_id", letter.Task.UserID,
					"payload", string(letter.Task.Payload),
					"deliveries", letter.Deliveries,
					"last_error", letter.LastError,
				)
			}
		}

		if err := q.client.XDel(ctx, q.stream, ids...).Err(); err != nil {
			return purged, apperrors.Wrap(err, apperrors.ErrCodeTransport, "delete purged dead letters")
		}
	}
}
