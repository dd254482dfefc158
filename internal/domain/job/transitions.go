// Package job holds pure domain logic for the assessment job lifecycle.
package job

import (
	"fmt"

	"github.com/assessly/assess-api/internal/domain/model"
	apperrors "github.com/assessly/assess-api/internal/errors"
)

// validTransitions enumerates every allowed status transition. Anything not
// listed is rejected; terminal statuses have no outgoing edges.
var validTransitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusQueued: {
		model.JobStatusProcessing,
		model.JobStatusCancelled,
		// A queued job can be failed directly by the reconciler when its
		// queue message is unrecoverable.
		model.JobStatusFailed,
	},
	model.JobStatusProcessing: {
		model.JobStatusCompleted,
		model.JobStatusFailed,
		// A transient failure returns the job to queued so the pending
		// delivery can claim it again.
		model.JobStatusQueued,
	},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to model.JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a conflict error when the transition is not allowed.
func CheckTransition(from, to model.JobStatus) error {
	if !from.Valid() {
		return apperrors.Validationf("invalid job status %q", from)
	}
	if !to.Valid() {
		return apperrors.Validationf("invalid job status %q", to)
	}
	if !CanTransition(from, to) {
		return apperrors.Conflictf("cannot transition job from %s to %s", from, to)
	}
	return nil
}

// ResultStatusFor maps a terminal job status to the result status recorded
// alongside it. Both failed and cancelled jobs record a failed result.
func ResultStatusFor(status model.JobStatus) (model.ResultStatus, error) {
	switch status {
	case model.JobStatusCompleted:
		return model.ResultStatusCompleted, nil
	case model.JobStatusFailed, model.JobStatusCancelled:
		return model.ResultStatusFailed, nil
	default:
		return "", fmt.Errorf("no result status for non-terminal job status %q", status)
	}
}

// NotificationFor maps a terminal job status to the lifecycle event pushed to
// the submitting user. Cancelled jobs surface as failures to the client.
func NotificationFor(status model.JobStatus) (model.NotificationType, error) {
	switch status {
	case model.JobStatusCompleted:
		return model.NotificationAnalysisComplete, nil
	case model.JobStatusFailed, model.JobStatusCancelled:
		return model.NotificationAnalysisFailed, nil
	default:
		return "", fmt.Errorf("no notification for non-terminal job status %q", status)
	}
}
