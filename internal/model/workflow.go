package model

import (
	"encoding/json"
	"time"
)

// Workflow statuses.
const (
	StatusPending       = "pending"
	StatusRunning       = "running"
	StatusAwaitingHuman = "awaiting_human"
	StatusPaused        = "paused"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusTerminated    = "terminated"
)

// Business types determined at the first stage. They decide which documents
// the applicant has to provide.
const (
	BusinessTypeCompany    = "company"
	BusinessTypeSoleTrader = "sole_trader"
)

// WorkflowInstance is one applicant's end-to-end onboarding attempt. It is a
// materialized projection of the event log: mutated only by the engine,
// never deleted, and frozen entirely once terminated.
type WorkflowInstance struct {
	ID            string          `json:"id" db:"id"`
	ApplicantID   string          `json:"applicant_id" db:"applicant_id"`
	BusinessType  *string         `json:"business_type,omitempty" db:"business_type"`
	LeadID        *string         `json:"lead_id,omitempty" db:"lead_id"`
	Status        string          `json:"status" db:"status"`
	Stage         Stage           `json:"stage" db:"stage"`
	FailureReason *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	Metadata      json.RawMessage `json:"metadata" db:"metadata"`
	LockedBy      *string         `json:"-" db:"locked_by"`
	LockedUntil   *time.Time      `json:"-" db:"locked_until"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether no further stage work may happen on the instance.
func (w *WorkflowInstance) Terminal() bool {
	switch w.Status {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}
