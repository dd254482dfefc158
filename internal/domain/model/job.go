// Package model defines the core data types and structures used throughout the assessment job system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current status of an assessment job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusQueued indicates a job is waiting to be picked up by a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates a worker has claimed the job and is running the analysis.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the analysis finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the analysis failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled before a worker picked it up.
	JobStatusCancelled JobStatus = "cancelled"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus to allow env parsing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	js := JobStatus(v)
	if js.Valid() {
		*s = js
		return nil
	}
	return fmt.Errorf("invalid JobStatus: %q", v)
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusQueued || s == JobStatusProcessing || s == JobStatusCompleted ||
		s == JobStatusFailed || s == JobStatusCancelled
}

// Terminal returns true if the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job represents an assessment job with all its metadata and status information.
type Job struct {
	ID             string          `json:"id"                      db:"id"`
	UserID         string          `json:"user_id"                 db:"user_id"`
	IdempotencyKey string          `json:"idempotency_key"         db:"idempotency_key"`
	Status         JobStatus       `json:"status"                  db:"status"`
	Payload        json.RawMessage `json:"payload"                 db:"payload"`
	ResultID       *string         `json:"result_id,omitempty"     db:"result_id"`
	ErrorCode      *string         `json:"error_code,omitempty"    db:"error_code"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	StartedAt      *time.Time      `json:"started_at,omitempty"    db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"  db:"completed_at"`
	CreatedAt      time.Time       `json:"created_at"              db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"              db:"updated_at"`
}

// SubmitRequest represents a request to submit a new assessment job.
type SubmitRequest struct {
	UserID         string          `json:"user_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// maxPayloadBytes bounds submitted payloads so a single request cannot bloat
// the jobs table or the queue message.
const maxPayloadBytes = 256 * 1024

// Validate validates the SubmitRequest fields.
func (r *SubmitRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user id is required")
	}
	if _, err := uuid.Parse(r.UserID); err != nil {
		return errors.New("user id must be a valid UUID")
	}
	if r.IdempotencyKey == "" {
		return errors.New("idempotency key is required")
	}
	if len(r.IdempotencyKey) > 255 {
		return errors.New("idempotency key must be at most 255 characters")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if len(r.Payload) > maxPayloadBytes {
		return errors.New("payload exceeds maximum size")
	}
	if !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

// SubmitReceipt is returned to the caller after a submit, whether the job was
// freshly created or an earlier submit with the same idempotency key won.
type SubmitReceipt struct {
	JobID   string    `json:"job_id"`
	Status  JobStatus `json:"status"`
	Created bool      `json:"created"`
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
