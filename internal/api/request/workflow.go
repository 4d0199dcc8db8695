package request

import "encoding/json"

// CreateWorkflow is the trigger entrypoint payload.
type CreateWorkflow struct {
	ApplicantID  string          `json:"applicant_id" validate:"required"`
	BusinessType string          `json:"business_type" validate:"omitempty,business_type"`
	LeadID       string          `json:"lead_id"`
	Metadata     json.RawMessage `json:"metadata"`
}

// Terminate carries the kill switch reason.
type Terminate struct {
	Reason  string `json:"reason" validate:"required"`
	ActorID string `json:"actor_id" validate:"required"`
}

// Resume identifies the operator resuming a paused workflow.
type Resume struct {
	ActorID string `json:"actor_id" validate:"required"`
}

// DeliverDecision is a human decision delivery.
type DeliverDecision struct {
	Kind     string          `json:"kind" validate:"required,decision_kind"`
	Approved bool            `json:"approved"`
	Comment  string          `json:"comment"`
	ActorID  string          `json:"actor_id" validate:"required"`
	Payload  json.RawMessage `json:"payload"`
}

// UploadDocument is a document upload with base64 content.
type UploadDocument struct {
	Name        string `json:"name" validate:"required"`
	ContentType string `json:"content_type" validate:"required"`
	Data        string `json:"data" validate:"required,base64"`
	ActorID     string `json:"actor_id" validate:"required"`
}

// QuoteCallback is the quote service's push delivery.
type QuoteCallback struct {
	WorkflowID string  `json:"workflow_id" validate:"required"`
	QuoteID    string  `json:"quote_id" validate:"required"`
	Amount     float64 `json:"amount" validate:"required,gt=0"`
	Terms      string  `json:"terms"`
}
