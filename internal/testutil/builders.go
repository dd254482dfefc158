package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/assessly/assess-api/internal/domain/model"
)

// SubmitRequestBuilder provides a fluent interface for building SubmitRequest
// objects for testing.
type SubmitRequestBuilder struct {
	req *model.SubmitRequest
}

// NewSubmitRequest creates a new SubmitRequestBuilder with sensible defaults.
func NewSubmitRequest() *SubmitRequestBuilder {
	return &SubmitRequestBuilder{
		req: &model.SubmitRequest{
			UserID:         uuid.NewString(),
			IdempotencyKey: "test-" + uuid.NewString(),
			Payload:        json.RawMessage(`{"document": "test submission"}`),
		},
	}
}

// WithUserID sets the submitting user.
func (b *SubmitRequestBuilder) WithUserID(userID string) *SubmitRequestBuilder {
	b.req.UserID = userID
	return b
}

// WithIdempotencyKey sets the idempotency key.
func (b *SubmitRequestBuilder) WithIdempotencyKey(key string) *SubmitRequestBuilder {
	b.req.IdempotencyKey = key
	return b
}

// WithPayload sets the job payload.
func (b *SubmitRequestBuilder) WithPayload(payload json.RawMessage) *SubmitRequestBuilder {
	b.req.Payload = payload
	return b
}

// WithPayloadString sets the job payload from a string.
func (b *SubmitRequestBuilder) WithPayloadString(payload string) *SubmitRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// Build returns the constructed SubmitRequest.
func (b *SubmitRequestBuilder) Build() *model.SubmitRequest {
	return b.req
}

// TaskMessageFor builds a queue message for an existing job, the way the
// submitter would publish it.
func TaskMessageFor(job *model.Job) *model.TaskMessage {
	return &model.TaskMessage{
		JobID:      job.ID,
		UserID:     job.UserID,
		Payload:    job.Payload,
		EnqueuedAt: job.CreatedAt,
	}
}

// UniqueKey returns an idempotency key with the given prefix, unique per call.
func UniqueKey(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
