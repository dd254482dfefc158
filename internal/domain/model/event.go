package model

import "time"

// NotificationType identifies the lifecycle event pushed to connected clients.
type NotificationType string

const (
	// NotificationAnalysisStarted is sent when a worker picks up a job.
	NotificationAnalysisStarted NotificationType = "analysis-started"
	// NotificationAnalysisComplete is sent when a job completes successfully.
	NotificationAnalysisComplete NotificationType = "analysis-complete"
	// NotificationAnalysisFailed is sent when a job ends in failure.
	NotificationAnalysisFailed NotificationType = "analysis-failed"
)

// Valid returns true if the NotificationType is valid.
func (t NotificationType) Valid() bool {
	return t == NotificationAnalysisStarted || t == NotificationAnalysisComplete ||
		t == NotificationAnalysisFailed
}

// Notification is the event pushed to a user's connected sessions. Delivery is
// best effort; the database remains the source of truth for job state.
type Notification struct {
	Type      NotificationType `json:"type"`
	JobID     string           `json:"job_id"`
	ResultID  string           `json:"result_id,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
