package model

import (
	"encoding/json"
	"time"
)

// Decision kinds a workflow can wait on.
const (
	DecisionDocumentUpload         = "document_upload"
	DecisionRiskManagerReview      = "risk_manager_review"
	DecisionQuoteReview            = "quote_review"
	DecisionMandateCollection      = "mandate_collection"
	DecisionContractSigning        = "contract_signing"
	DecisionTwoFactorApproval      = "two_factor_approval"
	DecisionRiskManagerApproval    = "risk_manager_approval"
	DecisionAccountManagerApproval = "account_manager_approval"
)

// ValidDeliveryKind reports whether kind can be delivered by a human.
// two_factor_approval is a request kind only; it resolves through the two
// role approval kinds.
func ValidDeliveryKind(kind string) bool {
	switch kind {
	case DecisionDocumentUpload, DecisionRiskManagerReview, DecisionQuoteReview,
		DecisionMandateCollection, DecisionContractSigning,
		DecisionRiskManagerApproval, DecisionAccountManagerApproval:
		return true
	}
	return false
}

// Pending decision statuses.
const (
	DecisionPending   = "pending"
	DecisionCompleted = "completed"
	DecisionExpired   = "expired"
	DecisionDiscarded = "discarded"
)

// PendingDecision is a persisted human-decision request. A workflow in
// awaiting_human has exactly one pending row, enforced by a partial unique
// index on (workflow_id) WHERE status = 'pending'.
type PendingDecision struct {
	ID          string          `json:"id" db:"id"`
	WorkflowID  string          `json:"workflow_id" db:"workflow_id"`
	Kind        string          `json:"kind" db:"kind"`
	Status      string          `json:"status" db:"status"`
	Deadline    time.Time       `json:"deadline" db:"deadline"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	RequestedAt time.Time       `json:"requested_at" db:"requested_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Decision is a delivered human decision on its way into the gatekeeper.
type Decision struct {
	Kind     string          `json:"kind"`
	Approved bool            `json:"approved"`
	Comment  string          `json:"comment,omitempty"`
	ActorID  string          `json:"actor_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
