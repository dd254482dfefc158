package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessly/assess-api/internal/domain/model"
)

func TestDecodeTask(t *testing.T) {
	enqueued := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	t.Run("round trip", func(t *testing.T) {
		msg := &model.TaskMessage{
			JobID:      "7d4a3f9c-1111-4a7b-9c3e-0f0e0d0c0b0a",
			UserID:     "aa1f2e3d-2222-4c5b-8a9e-1f2e3d4c5b6a",
			Payload:    []byte(`{"document":"quarterly report"}`),
			EnqueuedAt: enqueued,
		}

		fields := encodeTask(msg)
		// Redis returns stream fields as strings.
		strFields := make(map[string]any, len(fields))
		for k, v := range fields {
			strFields[k] = v
		}

		got, err := decodeTask(strFields)
		require.NoError(t, err)
		assert.Equal(t, msg.JobID, got.JobID)
		assert.Equal(t, msg.UserID, got.UserID)
		assert.JSONEq(t, string(msg.Payload), string(got.Payload))
		assert.True(t, got.EnqueuedAt.Equal(enqueued))
	})

	t.Run("message without a payload still decodes", func(t *testing.T) {
		fields := encodeTask(&model.TaskMessage{JobID: "j1", UserID: "u1"})
		assert.NotContains(t, fields, fieldPayload)

		got, err := decodeTask(fields)
		require.NoError(t, err)
		assert.Empty(t, got.Payload)
	})

	t.Run("missing job id", func(t *testing.T) {
		_, err := decodeTask(map[string]any{fieldUserID: "u1"})
		require.Error(t, err)
	})

	t.Run("empty user id", func(t *testing.T) {
		_, err := decodeTask(map[string]any{fieldJobID: "j1", fieldUserID: ""})
		require.Error(t, err)
	})
}

func TestDecodeDeadLetter(t *testing.T) {
	enqueued := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	deadAt := enqueued.Add(45 * time.Minute)

	letter := &model.DeadLetter{
		MessageID:  "1700000000000-0",
		Task:       model.TaskMessage{JobID: "j1", UserID: "u1", Payload: []byte(`{"document":"x"}`), EnqueuedAt: enqueued},
		Deliveries: 5,
		LastError:  "transport: redis unavailable",
		DeadAt:     deadAt,
	}

	fields := encodeDeadLetter(letter)
	// Numeric stream values come back from Redis as strings.
	fields[fieldDeliveries] = "5"

	got, err := decodeDeadLetter("1700000099999-0", fields)
	require.NoError(t, err)
	assert.Equal(t, letter.MessageID, got.MessageID, "origin id wins over the DLQ entry id")
	assert.Equal(t, letter.Task.JobID, got.Task.JobID)
	assert.JSONEq(t, string(letter.Task.Payload), string(got.Task.Payload))
	assert.Equal(t, int64(5), got.Deliveries)
	assert.Equal(t, letter.LastError, got.LastError)
	assert.True(t, got.DeadAt.Equal(deadAt))
}
