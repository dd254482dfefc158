package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSubmitRequest() *SubmitRequest {
	return &SubmitRequest{
		UserID:         "2f0c6d1e-8a44-4c7e-9f05-24f4b9f3a111",
		IdempotencyKey: "submit-2026-01-01",
		Payload:        json.RawMessage(`{"document": "essay text"}`),
	}
}

func TestSubmitRequestValidate(t *testing.T) {
	t.Run("accepts a valid request", func(t *testing.T) {
		require.NoError(t, validSubmitRequest().Validate())
	})

	t.Run("requires a UUID user id", func(t *testing.T) {
		req := validSubmitRequest()
		req.UserID = "user-42"
		require.Error(t, req.Validate())

		req.UserID = ""
		require.Error(t, req.Validate())
	})

	t.Run("bounds the idempotency key", func(t *testing.T) {
		req := validSubmitRequest()
		req.IdempotencyKey = ""
		require.Error(t, req.Validate())

		req.IdempotencyKey = strings.Repeat("k", 256)
		require.Error(t, req.Validate())

		req.IdempotencyKey = strings.Repeat("k", 255)
		require.NoError(t, req.Validate())
	})

	t.Run("requires a valid json payload", func(t *testing.T) {
		req := validSubmitRequest()
		req.Payload = nil
		require.Error(t, req.Validate())

		req.Payload = json.RawMessage(`{"unterminated":`)
		require.Error(t, req.Validate())
	})

	t.Run("rejects oversized payloads", func(t *testing.T) {
		req := validSubmitRequest()
		req.Payload = json.RawMessage(`"` + strings.Repeat("a", 256*1024) + `"`)
		require.Error(t, req.Validate())
	})
}

func TestJobStatus(t *testing.T) {
	t.Run("terminal statuses admit no transitions", func(t *testing.T) {
		assert.False(t, JobStatusQueued.Terminal())
		assert.False(t, JobStatusProcessing.Terminal())
		assert.True(t, JobStatusCompleted.Terminal())
		assert.True(t, JobStatusFailed.Terminal())
		assert.True(t, JobStatusCancelled.Terminal())
	})

	t.Run("unmarshals case insensitively", func(t *testing.T) {
		var s JobStatus
		require.NoError(t, s.UnmarshalText([]byte(" Processing ")))
		assert.Equal(t, JobStatusProcessing, s)
	})

	t.Run("rejects unknown statuses", func(t *testing.T) {
		var s JobStatus
		require.Error(t, s.UnmarshalText([]byte("paused")))
		assert.False(t, JobStatus("paused").Valid())
	})
}
