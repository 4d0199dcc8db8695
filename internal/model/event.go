package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Actor types recorded on workflow events.
const (
	ActorUser     = "user"
	ActorAgent    = "agent"
	ActorPlatform = "platform"
)

// EventType is the closed taxonomy of everything that can happen to a
// workflow. Every type must have an entry in eventTypeDetails; the engine
// refuses to append an event of an unregistered type, and the taxonomy test
// asserts the table is exhaustive.
type EventType string

const (
	// Lifecycle.
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowResumed   EventType = "workflow_resumed"

	// Business type determination.
	EventBusinessTypeDetermined EventType = "business_type_determined"

	// Document collection and aggregation.
	EventDocumentRequested   EventType = "document_requested"
	EventDocumentReceived    EventType = "document_received"
	EventDocumentsAggregated EventType = "documents_aggregated"
	EventDocumentsCompleted  EventType = "documents_completed"

	// Validation.
	EventValidationCompleted EventType = "validation_completed"
	EventValidationFailed    EventType = "validation_failed"

	// Sanctions.
	EventSanctionsCompleted EventType = "sanctions_completed"
	EventSanctionsFlagged   EventType = "sanctions_flagged"

	// Risk analysis and risk manager review.
	EventRiskAnalysisCompleted      EventType = "risk_analysis_completed"
	EventRiskReviewRequested        EventType = "risk_review_requested"
	EventRiskManagerApproved        EventType = "risk_manager_approved"
	EventRiskManagerRejected        EventType = "risk_manager_rejected"
	EventRiskManagerReworkRequested EventType = "risk_manager_rework_requested"

	// Quote generation and adjustment.
	EventQuoteRequested   EventType = "quote_requested"
	EventQuoteGenerated   EventType = "quote_generated"
	EventQuoteNeedsUpdate EventType = "quote_needs_update"
	EventQuoteAdjusted    EventType = "quote_adjusted"
	EventQuoteAccepted    EventType = "quote_accepted"
	EventQuoteRejected    EventType = "quote_rejected"

	// Mandate determination, verification, retry, expiry.
	EventMandateDetermined        EventType = "mandate_determined"
	EventMandateVerified          EventType = "mandate_verified"
	EventMandateRetry             EventType = "mandate_retry"
	EventMandateCollectionExpired EventType = "mandate_collection_expired"

	// Procurement.
	EventProcurementCompleted EventType = "procurement_completed"
	EventProcurementFlagged   EventType = "procurement_flagged"

	// Contract review and signing.
	EventContractReviewStarted EventType = "contract_review_started"
	EventContractSigned        EventType = "contract_signed"
	EventContractDeclined      EventType = "contract_declined"

	// Two-factor and final approval.
	EventApprovalRequested          EventType = "approval_requested"
	EventAccountManagerApproved     EventType = "account_manager_approved"
	EventAccountManagerRejected     EventType = "account_manager_rejected"
	EventTwoFactorApprovalCompleted EventType = "two_factor_approval_completed"
	EventFinalApprovalGranted       EventType = "final_approval_granted"

	// Retries, escalation, termination.
	EventRetriesExhausted       EventType = "retries_exhausted"
	EventHumanDecisionRequested EventType = "human_decision_requested"
	EventHumanDecisionReceived  EventType = "human_decision_received"
	EventHumanDecisionTimeout   EventType = "human_decision_timeout"
	EventManagementEscalation   EventType = "management_escalation"
	EventKillSwitchExecuted     EventType = "kill_switch_executed"
)

// eventTypeDetails maps every event type to its default actor and, where one
// applies, the user-facing notification derived from it. A nil notification
// means the event is audit-only.
type eventTypeDetail struct {
	defaultActor string
	notification *NotificationSpec
}

// NotificationSpec describes the notification a given event kind produces.
type NotificationSpec struct {
	Type       string
	Actionable bool
}

var eventTypeDetails = map[EventType]eventTypeDetail{
	EventWorkflowStarted:   {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationInfo}},
	EventWorkflowCompleted: {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationCompleted}},
	EventWorkflowFailed:    {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationFailed, Actionable: true}},
	EventWorkflowResumed:   {defaultActor: ActorUser},

	EventBusinessTypeDetermined: {defaultActor: ActorAgent},

	EventDocumentRequested:   {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationAwaiting, Actionable: true}},
	EventDocumentReceived:    {defaultActor: ActorUser},
	EventDocumentsAggregated: {defaultActor: ActorAgent},
	EventDocumentsCompleted:  {defaultActor: ActorAgent, notification: &NotificationSpec{Type: NotificationSuccess}},

	EventValidationCompleted: {defaultActor: ActorAgent},
	EventValidationFailed:    {defaultActor: ActorAgent, notification: &NotificationSpec{Type: NotificationError, Actionable: true}},

	EventSanctionsCompleted: {defaultActor: ActorAgent},
	EventSanctionsFlagged:   {defaultActor: ActorAgent, notification: &NotificationSpec{Type: NotificationWarning, Actionable: true}},

	EventRiskAnalysisCompleted:      {defaultActor: ActorAgent},
	EventRiskReviewRequested:        {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationAwaiting, Actionable: true}},
	EventRiskManagerApproved:        {defaultActor: ActorUser},
	EventRiskManagerRejected:        {defaultActor: ActorUser, notification: &NotificationSpec{Type: NotificationFailed, Actionable: true}},
	EventRiskManagerReworkRequested: {defaultActor: ActorUser, notification: &NotificationSpec{Type: NotificationInfo}},

	EventQuoteRequested:   {defaultActor: ActorAgent},
	EventQuoteGenerated:   {defaultActor: ActorAgent, notification: &NotificationSpec{Type: NotificationInfo}},
	EventQuoteNeedsUpdate: {defaultActor: ActorUser, notification: &NotificationSpec{Type: NotificationInfo}},
	EventQuoteAdjusted:    {defaultActor: ActorAgent},
	EventQuoteAccepted:    {defaultActor: ActorUser, notification: &NotificationSpec{Type: NotificationSuccess}},
	EventQuoteRejected:    {defaultActor: ActorUser, notification: &NotificationSpec{Type: NotificationFailed, Actionable: true}},

	EventMandateDetermined:        {defaultActor: ActorAgent},
	EventMandateVerified:          {defaultActor: ActorAgent, notification: &NotificationSpec{Type: NotificationSuccess}},
	EventMandateRetry:             {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationAwaiting, Actionable: true}},
	EventMandateCollectionExpired: {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationTimeout, Actionable: true}},

	EventProcurementCompleted: {defaultActor: ActorAgent},
	EventProcurementFlagged:   {defaultActor: ActorAgent, notification: &NotificationSpec{Type: NotificationWarning, Actionable: true}},

	EventContractReviewStarted: {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationAwaiting, Actionable: true}},
	EventContractSigned:        {defaultActor: ActorUser, notification: &NotificationSpec{Type: NotificationSuccess}},
	EventContractDeclined:      {defaultActor: ActorUser, notification: &NotificationSpec{Type: NotificationFailed, Actionable: true}},

	EventApprovalRequested:          {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationAwaiting, Actionable: true}},
	EventAccountManagerApproved:     {defaultActor: ActorUser},
	EventAccountManagerRejected:     {defaultActor: ActorUser, notification: &NotificationSpec{Type: NotificationFailed, Actionable: true}},
	EventTwoFactorApprovalCompleted: {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationSuccess}},
	EventFinalApprovalGranted:       {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationSuccess}},

	EventRetriesExhausted:       {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationFailed, Actionable: true}},
	EventHumanDecisionRequested: {defaultActor: ActorPlatform},
	EventHumanDecisionReceived:  {defaultActor: ActorUser},
	EventHumanDecisionTimeout:   {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationTimeout, Actionable: true}},
	EventManagementEscalation:   {defaultActor: ActorPlatform, notification: &NotificationSpec{Type: NotificationPaused, Actionable: true}},
	EventKillSwitchExecuted:     {defaultActor: ActorUser, notification: &NotificationSpec{Type: NotificationTerminated}},
}

// AllEventTypes returns the complete taxonomy, for exhaustiveness checks.
func AllEventTypes() []EventType {
	types := make([]EventType, 0, len(eventTypeDetails))
	for t := range eventTypeDetails {
		types = append(types, t)
	}
	return types
}

// Valid reports whether t is a registered event type.
func (t EventType) Valid() bool {
	_, ok := eventTypeDetails[t]
	return ok
}

// DefaultActor returns the actor type an event of this kind is attributed to
// when the emitter does not override it.
func (t EventType) DefaultActor() (string, error) {
	d, ok := eventTypeDetails[t]
	if !ok {
		return "", fmt.Errorf("unknown event type %q", string(t))
	}
	return d.defaultActor, nil
}

// NotificationFor returns the notification derived from this event kind, or
// false if the event is audit-only.
func (t EventType) NotificationFor() (NotificationSpec, bool) {
	d, ok := eventTypeDetails[t]
	if !ok || d.notification == nil {
		return NotificationSpec{}, false
	}
	return *d.notification, true
}

// WorkflowEvent is one append-only entry in a workflow's audit log. Seq is
// assigned by the database and totally orders events within a workflow.
type WorkflowEvent struct {
	ID         string          `json:"id" db:"id"`
	WorkflowID string          `json:"workflow_id" db:"workflow_id"`
	Seq        int64           `json:"seq" db:"seq"`
	EventType  EventType       `json:"event_type" db:"event_type"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	ActorType  string          `json:"actor_type" db:"actor_type"`
	ActorID    *string         `json:"actor_id,omitempty" db:"actor_id"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
