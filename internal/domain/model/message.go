package model

import (
	"encoding/json"
	"errors"
	"time"
)

// TaskMessage is the queue message published for every submitted job. It
// carries the submitted payload alongside the identifiers, so a dead-lettered
// message can be audited without the job row.
type TaskMessage struct {
	JobID      string          `json:"job_id"`
	UserID     string          `json:"user_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Validate validates the TaskMessage fields.
func (m *TaskMessage) Validate() error {
	if m.JobID == "" {
		return errors.New("job id is required")
	}
	if m.UserID == "" {
		return errors.New("user id is required")
	}
	return nil
}

// DeadLetter is a task message that exhausted its delivery attempts, together
// with the metadata recorded when it was moved to the dead letter stream.
type DeadLetter struct {
	MessageID  string      `json:"message_id"`
	Task       TaskMessage `json:"task"`
	Deliveries int64       `json:"deliveries"`
	LastError  string      `json:"last_error,omitempty"`
	DeadAt     time.Time   `json:"dead_at"`
}
