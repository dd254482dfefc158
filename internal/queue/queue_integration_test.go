package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessly/assess-api/internal/domain/model"
	"github.com/assessly/assess-api/internal/queue"
	"github.com/assessly/assess-api/internal/testutil"
)

func newTaskMessage() *model.TaskMessage {
	return &model.TaskMessage{
		JobID:      uuid.NewString(),
		UserID:     uuid.NewString(),
		Payload:    []byte(`{"document":"queued for analysis"}`),
		EnqueuedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestQueueRoundTripIntegration(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	defer func() {
		if err := client.Close(); err != nil {
			t.Logf("redis close failed: %v", err)
		}
	}()

	ctx := context.Background()
	stream := "test:jobs:" + uuid.NewString()
	dlqStream := stream + ":dead"

	producer, err := queue.NewProducer(queue.ProducerOptions{
		Client: client,
		Stream: stream,
	})
	require.NoError(t, err)

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerOptions{
		Client:       client,
		Stream:       stream,
		Group:        "test-workers",
		Consumer:     "worker-1",
		DLQStream:    dlqStream,
		Block:        100 * time.Millisecond,
		ClaimMinIdle: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	task := newTaskMessage()
	require.NoError(t, producer.Publish(ctx, task))

	deliveries, err := consumer.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, task.JobID, deliveries[0].Task.JobID)
	assert.Equal(t, task.UserID, deliveries[0].Task.UserID)
	assert.JSONEq(t, string(task.Payload), string(deliveries[0].Task.Payload))
	assert.Equal(t, int64(1), deliveries[0].Deliveries)

	require.NoError(t, consumer.Ack(ctx, deliveries[0].MessageID))

	// Nothing left to fetch after the ack.
	deliveries, err = consumer.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestQueueClaimStaleIntegration(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	defer func() {
		if err := client.Close(); err != nil {
			t.Logf("redis close failed: %v", err)
		}
	}()

	ctx := context.Background()
	stream := "test:jobs:" + uuid.NewString()
	dlqStream := stream + ":dead"

	producer, err := queue.NewProducer(queue.ProducerOptions{Client: client, Stream: stream})
	require.NoError(t, err)

	newConsumer := func(name string) *queue.Consumer {
		c, cerr := queue.NewConsumer(ctx, queue.ConsumerOptions{
			Client:       client,
			Stream:       stream,
			Group:        "test-workers",
			Consumer:     name,
			DLQStream:    dlqStream,
			Block:        100 * time.Millisecond,
			ClaimMinIdle: 50 * time.Millisecond,
		})
		require.NoError(t, cerr)
		return c
	}

	dead := newConsumer("dead-worker")
	alive := newConsumer("live-worker")

	task := newTaskMessage()
	require.NoError(t, producer.Publish(ctx, task))

	// The dead worker fetches but never acks.
	deliveries, err := dead.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	time.Sleep(100 * time.Millisecond)

	claimed, err := alive.ClaimStale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, task.JobID, claimed[0].Task.JobID)
	// One original delivery plus the reclaim.
	assert.Equal(t, int64(2), claimed[0].Deliveries)

	require.NoError(t, alive.Ack(ctx, claimed[0].MessageID))
}

func TestQueueDeadLetterIntegration(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	defer func() {
		if err := client.Close(); err != nil {
			t.Logf("redis close failed: %v", err)
		}
	}()

	ctx := context.Background()
	stream := "test:jobs:" + uuid.NewString()
	dlqStream := stream + ":dead"

	producer, err := queue.NewProducer(queue.ProducerOptions{Client: client, Stream: stream})
	require.NoError(t, err)

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerOptions{
		Client:       client,
		Stream:       stream,
		Group:        "test-workers",
		Consumer:     "worker-1",
		DLQStream:    dlqStream,
		Block:        100 * time.Millisecond,
		ClaimMinIdle: time.Minute,
	})
	require.NoError(t, err)

	task := newTaskMessage()
	require.NoError(t, producer.Publish(ctx, task))

	deliveries, err := consumer.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, consumer.DeadLetter(ctx, deliveries[0], "delivery ceiling reached"))

	dlq, err := queue.NewDLQ(client, dlqStream, nil)
	require.NoError(t, err)

	letters, err := dlq.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, task.JobID, letters[0].Task.JobID)
	assert.JSONEq(t, string(task.Payload), string(letters[0].Task.Payload))
	assert.Equal(t, "delivery ceiling reached", letters[0].LastError)
	assert.Equal(t, int64(1), letters[0].Deliveries)

	// Listing is non-destructive.
	letters, err = dlq.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	purged, err := dlq.Purge(ctx)
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, task.JobID, purged[0].Task.JobID)

	letters, err = dlq.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)

	// The dead-lettered delivery was acked off the task stream.
	deliveries, err = consumer.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}
