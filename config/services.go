package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the assessment job worker.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReconciler runs the consistency reconciler.
	ServiceModeReconciler ServiceMode = "reconciler"
	// ServiceModeNotifier runs the websocket notification fan-out server.
	ServiceModeNotifier ServiceMode = "notifier"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeReconciler,
		ServiceModeNotifier,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeReconciler, ServiceModeNotifier:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, reconciler, notifier)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains assessment job worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// FetchBatch is the maximum number of messages fetched per read.
	FetchBatch int `env:"WORKER_FETCH_BATCH" envDefault:"10"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.FetchBatch < 1 {
		w.FetchBatch = 1
	}
}

// ReconcilerConfig contains consistency reconciler configuration.
type ReconcilerConfig struct {
	// Interval is the reconciler tick interval.
	Interval time.Duration `env:"RECONCILER_INTERVAL" envDefault:"5m"`

	// StaleProcessingAge is the maximum age for processing jobs before they
	// are presumed abandoned and failed with an orphaned error code.
	StaleProcessingAge time.Duration `env:"RECONCILER_STALE_PROCESSING_AGE" envDefault:"30m"`

	// StaleQueuedAge is the maximum age for queued jobs before they are
	// presumed to have lost their queue message and failed with an orphaned
	// error code. Must comfortably exceed any expected queue backlog delay.
	StaleQueuedAge time.Duration `env:"RECONCILER_STALE_QUEUED_AGE" envDefault:"1h"`

	// RetentionAge is the maximum age for terminal jobs before deletion.
	RetentionAge time.Duration `env:"RECONCILER_RETENTION_AGE" envDefault:"720h"` // 30 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"RECONCILER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reconciler configuration values.
func (r *ReconcilerConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	// The staleness floor must comfortably exceed the model call deadline so
	// a slow but live worker is never mistaken for a dead one.
	if r.StaleProcessingAge < 5*time.Minute {
		r.StaleProcessingAge = 5 * time.Minute
	}
	// A healthy backlog can legitimately hold queued jobs for a while, so the
	// queued floor is higher than the processing one.
	if r.StaleQueuedAge < 10*time.Minute {
		r.StaleQueuedAge = 10 * time.Minute
	}
	if r.RetentionAge < 24*time.Hour {
		r.RetentionAge = 24 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

// NotifyConfig contains websocket notification fan-out configuration.
type NotifyConfig struct {
	// Addr is the listen address for the websocket endpoint.
	Addr string `env:"NOTIFY_ADDR" envDefault:":8090"`

	// EventsPerSecond throttles notifications per user.
	EventsPerSecond float64 `env:"NOTIFY_EVENTS_PER_SECOND" envDefault:"5"`

	// Burst is the per-user notification burst allowance.
	Burst int `env:"NOTIFY_BURST" envDefault:"10"`
}

// Sanitize applies guardrails to notifier configuration values.
func (n *NotifyConfig) Sanitize() {
	if n.Addr == "" {
		n.Addr = ":8090"
	}
	if n.EventsPerSecond <= 0 {
		n.EventsPerSecond = 5
	}
	if n.Burst < 1 {
		n.Burst = 1
	}
}
