package config

import "time"

// QueueConfig contains task queue configuration for the Redis stream that
// carries assessment work and its companion dead letter stream.
type QueueConfig struct {
	// Stream is the Redis stream that carries queued assessment tasks.
	Stream string `env:"QUEUE_STREAM" envDefault:"assess:jobs"`

	// Group is the consumer group workers read the stream through.
	Group string `env:"QUEUE_GROUP" envDefault:"assess-workers"`

	// DLQStream is the stream poisoned and exhausted messages are parked on.
	DLQStream string `env:"QUEUE_DLQ_STREAM" envDefault:"assess:jobs:dead"`

	// MaxLen caps the task stream length (approximate trim). Trimming can
	// evict messages no consumer has read yet, silently losing the jobs they
	// carry, so it is disabled by default. Zero disables trimming.
	MaxLen int64 `env:"QUEUE_MAX_LEN" envDefault:"0"`

	// MaxDeliveries is the number of delivery attempts a message gets before
	// it is moved to the dead letter stream.
	MaxDeliveries int64 `env:"QUEUE_MAX_DELIVERIES" envDefault:"5"`

	// Block is how long a fetch blocks waiting for new messages.
	Block time.Duration `env:"QUEUE_BLOCK" envDefault:"5s"`

	// ClaimMinIdle is how long a pending message must sit unacknowledged
	// before another worker may claim it.
	ClaimMinIdle time.Duration `env:"QUEUE_CLAIM_MIN_IDLE" envDefault:"1m"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.Stream == "" {
		q.Stream = "assess:jobs"
	}
	if q.Group == "" {
		q.Group = "assess-workers"
	}
	if q.DLQStream == "" {
		q.DLQStream = q.Stream + ":dead"
	}
	if q.MaxLen < 0 {
		q.MaxLen = 0
	}
	if q.MaxDeliveries < 1 {
		q.MaxDeliveries = 1
	}
	if q.Block < time.Second {
		q.Block = time.Second
	}
	if q.ClaimMinIdle < 10*time.Second {
		q.ClaimMinIdle = 10 * time.Second
	}
}

// AIConfig contains model client configuration.
type AIConfig struct {
	// APIKey authenticates against the model API. Required when the worker
	// service is enabled.
	APIKey string `env:"AI_API_KEY"`

	// Model is the model identifier requests are sent to.
	Model string `env:"AI_MODEL" envDefault:"claude-sonnet-4-20250514"`

	// MaxTokens bounds the model response size.
	MaxTokens int64 `env:"AI_MAX_TOKENS" envDefault:"8192"`

	// RequestTimeout is the hard deadline for a single model call. The worker
	// never retries a call itself; timed-out calls fail the job.
	RequestTimeout time.Duration `env:"AI_REQUEST_TIMEOUT" envDefault:"60s"`
}

// Sanitize applies guardrails to model client configuration values.
func (a *AIConfig) Sanitize() {
	if a.MaxTokens < 1 {
		a.MaxTokens = 8192
	}
	if a.RequestTimeout < time.Second {
		a.RequestTimeout = time.Second
	}
}
