package model

import (
	"encoding/json"
	"time"
)

// ResultStatus represents the outcome recorded on an assessment result.
type ResultStatus string

const (
	// ResultStatusCompleted indicates the analysis produced usable output.
	ResultStatusCompleted ResultStatus = "completed"
	// ResultStatusFailed indicates the analysis did not produce usable output.
	ResultStatusFailed ResultStatus = "failed"
)

// Valid returns true if the ResultStatus is valid.
func (s ResultStatus) Valid() bool {
	return s == ResultStatusCompleted || s == ResultStatusFailed
}

// Result represents the recorded outcome of an assessment job. Every terminal
// job has exactly one result row, and every result row points back at its job.
type Result struct {
	ID        string          `json:"id"                   db:"id"`
	JobID     string          `json:"job_id"               db:"job_id"`
	UserID    string          `json:"user_id"              db:"user_id"`
	Status    ResultStatus    `json:"status"               db:"status"`
	Analysis  json.RawMessage `json:"analysis,omitempty"   db:"analysis"`
	ErrorCode *string         `json:"error_code,omitempty" db:"error_code"`
	CreatedAt time.Time       `json:"created_at"           db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"           db:"updated_at"`
}
