// Package gateway provides the uniform capability interface to the external
// quote, mandate, sanctions, and procurement services. Each call either
// returns a validated result or fails with an error classified as transient
// or permanent; retrying is layered on by the engine, never done here.
package gateway

import "context"

// Quote is a validated quote response. QuoteID and Amount are mandatory;
// a response missing either is rejected as invalid.
type Quote struct {
	QuoteID string  `json:"quote_id"`
	Amount  float64 `json:"amount"`
	Terms   string  `json:"terms,omitempty"`
}

// MandateResult is the outcome of a mandate verification attempt.
type MandateResult struct {
	MandateID string `json:"mandate_id"`
	Verified  bool   `json:"verified"`
	Reason    string `json:"reason,omitempty"`
}

// SanctionsResult is the outcome of a sanctions screening.
type SanctionsResult struct {
	Clear     bool     `json:"clear"`
	ListsHit  []string `json:"lists_hit,omitempty"`
	Reference string   `json:"reference"`
}

// ProcurementResult is the outcome of a procurement eligibility check.
type ProcurementResult struct {
	Eligible  bool   `json:"eligible"`
	Reason    string `json:"reason,omitempty"`
	Reference string `json:"reference"`
}

// Gateway is the capability interface the engine drives. Implementations
// forward the idempotency key from the context so a resent request is
// recognized downstream.
type Gateway interface {
	Quote(ctx context.Context, leadID string) (*Quote, error)
	VerifyMandate(ctx context.Context, applicantID string) (*MandateResult, error)
	CheckSanctions(ctx context.Context, applicantID string) (*SanctionsResult, error)
	CheckProcurement(ctx context.Context, applicantID string) (*ProcurementResult, error)
}
