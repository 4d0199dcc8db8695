package model

import "time"

// Notification types.
const (
	NotificationAwaiting   = "awaiting"
	NotificationCompleted  = "completed"
	NotificationFailed     = "failed"
	NotificationTimeout    = "timeout"
	NotificationPaused     = "paused"
	NotificationError      = "error"
	NotificationWarning    = "warning"
	NotificationSuccess    = "success"
	NotificationInfo       = "info"
	NotificationTerminated = "terminated"
)

// Notification is a user-facing notice derived from the event log. It is
// never authoritative over workflow state, and only the read flag is mutable.
type Notification struct {
	ID          string    `json:"id" db:"id"`
	WorkflowID  string    `json:"workflow_id" db:"workflow_id"`
	ApplicantID string    `json:"applicant_id" db:"applicant_id"`
	Type        string    `json:"type" db:"type"`
	Message     string    `json:"message" db:"message"`
	Actionable  bool      `json:"actionable" db:"actionable"`
	Read        bool      `json:"read" db:"read"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
