// Package queue implements the task queue on Redis Streams: a producer that
// publishes one message per submitted job, a consumer-group consumer used by
// workers, and a dead letter stream for deliveries that exhausted their
// attempts.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/assessly/assess-api/internal/domain/model"
)

// Stream field names shared by the task and dead letter streams.
const (
	fieldJobID      = "job_id"
	fieldUserID     = "user_id"
	fieldPayload    = "payload"
	fieldEnqueuedAt = "enqueued_at"
	fieldDeliveries = "deliveries"
	fieldLastError  = "last_error"
	fieldDeadAt     = "dead_at"
	fieldOriginID   = "origin_id"
)

func encodeTask(msg *model.TaskMessage) map[string]any {
	fields := map[string]any{
		fieldJobID:      msg.JobID,
		fieldUserID:     msg.UserID,
		fieldEnqueuedAt: msg.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(msg.Payload) > 0 {
		fields[fieldPayload] = string(msg.Payload)
	}
	return fields
}

func decodeTask(values map[string]any) (model.TaskMessage, error) {
	var msg model.TaskMessage

	jobID, err := stringField(values, fieldJobID)
	if err != nil {
		return msg, err
	}
	userID, err := stringField(values, fieldUserID)
	if err != nil {
		return msg, err
	}

	msg.JobID = jobID
	msg.UserID = userID
	if raw, ok := values[fieldPayload].(string); ok && raw != "" {
		msg.Payload = json.RawMessage(raw)
	}
	if raw, ok := values[fieldEnqueuedAt].(string); ok {
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			msg.EnqueuedAt = ts
		}
	}

	return msg, msg.Validate()
}

func encodeDeadLetter(d *model.DeadLetter) map[string]any {
	fields := map[string]any{
		fieldJobID:      d.Task.JobID,
		fieldUserID:     d.Task.UserID,
		fieldEnqueuedAt: d.Task.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		fieldDeliveries: d.Deliveries,
		fieldDeadAt:     d.DeadAt.UTC().Format(time.RFC3339Nano),
		fieldOriginID:   d.MessageID,
	}
	if len(d.Task.Payload) > 0 {
		fields[fieldPayload] = string(d.Task.Payload)
	}
	if d.LastError != "" {
		fields[fieldLastError] = d.LastError
	}
	return fields
}

func decodeDeadLetter(id string, values map[string]any) (model.DeadLetter, error) {
	task, err := decodeTask(values)
	if err != nil {
		return model.DeadLetter{}, fmt.Errorf("dead letter %s: %w", id, err)
	}

	d := model.DeadLetter{
		MessageID: id,
		Task:      task,
	}
	if raw, ok := values[fieldOriginID].(string); ok && raw != "" {
		d.MessageID = raw
	}
	if raw, ok := values[fieldLastError].(string); ok {
		d.LastError = raw
	}
	if raw, ok := values[fieldDeliveries].(string); ok {
		var n int64
		if _, scanErr := fmt.Sscan(raw, &n); scanErr == nil {
			d.Deliveries = n
		}
	}
	if raw, ok := values[fieldDeadAt].(string); ok {
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			d.DeadAt = ts
		}
	}
	return d, nil
}

func stringField(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("invalid field %q", key)
	}
	return s, nil
}
