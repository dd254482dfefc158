// Package metrics provides lifecycle metric emission for the assessment job
// pipeline.
package metrics

import (
	"time"

	obserrors "github.com/assessly/assess-api/internal/observability/errors"
	"github.com/assessly/assess-api/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Transition constants for metric tagging.
const (
	TransitionSubmitted  = "submitted"
	TransitionProcessing = "processing"
	TransitionCompleted  = "completed"
	TransitionFailed     = "failed"
	TransitionCancelled  = "cancelled"
	TransitionDeadLetter = "dead_letter"
	TransitionRequeued   = "requeued"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitReconcile emits counters for one reconciler operation.
func EmitReconcile(sink statsd.Sink, operation string, repaired int64, err error) {
	if sink == nil {
		return
	}

	result := ResultNoop
	if err != nil {
		result = ResultError
	} else if repaired > 0 {
		result = ResultSuccess
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("reconcile.operation", 1, tags)
	if repaired > 0 {
		sink.Count("reconcile.repaired", repaired, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
