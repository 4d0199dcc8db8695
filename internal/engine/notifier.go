package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/edvin/onboarding/internal/metrics"
	"github.com/edvin/onboarding/internal/model"
)

// NotificationStore persists notifications. *core.NotificationService
// satisfies it.
type NotificationStore interface {
	Create(ctx context.Context, n *model.Notification) error
}

// Notifier is the best-effort notification boundary. A notification write
// that fails is logged, counted, and dropped; it never blocks or rolls back
// workflow state.
type Notifier struct {
	logger zerolog.Logger
	store  NotificationStore
}

func NewNotifier(logger zerolog.Logger, store NotificationStore) *Notifier {
	return &Notifier{
		logger: logger.With().Str("component", "notifier").Logger(),
		store:  store,
	}
}

// NotifyEvent derives the user-facing notification for an event kind, if the
// taxonomy maps one, using the default message for the kind.
func (n *Notifier) NotifyEvent(ctx context.Context, wf *model.WorkflowInstance, eventType model.EventType) {
	n.Notify(ctx, wf, eventType, defaultMessage(eventType))
}

// Notify writes the notification an event kind maps to, with an explicit
// message. Audit-only event kinds produce nothing.
func (n *Notifier) Notify(ctx context.Context, wf *model.WorkflowInstance, eventType model.EventType, message string) {
	spec, ok := eventType.NotificationFor()
	if !ok {
		return
	}

	err := n.store.Create(ctx, &model.Notification{
		WorkflowID:  wf.ID,
		ApplicantID: wf.ApplicantID,
		Type:        spec.Type,
		Message:     message,
		Actionable:  spec.Actionable,
	})
	if err != nil {
		metrics.CountDroppedNotification()
		n.logger.Error().Err(err).Str("workflow_id", wf.ID).
			Str("event_type", string(eventType)).Msg("notification dropped")
	}
}

func defaultMessage(eventType model.EventType) string {
	switch eventType {
	case model.EventWorkflowStarted:
		return "Your onboarding has started."
	case model.EventWorkflowCompleted:
		return "Your onboarding is complete. Welcome aboard."
	case model.EventWorkflowFailed:
		return "Your onboarding could not be completed. Please contact support."
	case model.EventDocumentRequested:
		return "We need documents from you to continue your onboarding."
	case model.EventDocumentsCompleted:
		return "All required documents received."
	case model.EventValidationFailed:
		return "Your application details could not be validated. Please review and resubmit."
	case model.EventSanctionsFlagged:
		return "Your application requires additional compliance review."
	case model.EventRiskReviewRequested:
		return "Your application is with our risk team for review."
	case model.EventRiskManagerRejected:
		return "Your application was declined after risk review."
	case model.EventRiskManagerReworkRequested:
		return "Our risk team requested changes to your application."
	case model.EventQuoteGenerated:
		return "Your quote is ready for review."
	case model.EventQuoteNeedsUpdate:
		return "We are preparing an updated quote for you."
	case model.EventQuoteAccepted:
		return "Quote accepted."
	case model.EventQuoteRejected:
		return "Quote declined."
	case model.EventMandateVerified:
		return "Your payment mandate has been verified."
	case model.EventMandateRetry:
		return "We could not verify your payment mandate. Please check your details."
	case model.EventMandateCollectionExpired:
		return "Your payment mandate could not be collected in time."
	case model.EventProcurementFlagged:
		return "Your application requires additional procurement review."
	case model.EventContractReviewStarted:
		return "Your contract is ready to review and sign."
	case model.EventContractSigned:
		return "Contract signed."
	case model.EventContractDeclined:
		return "Contract declined."
	case model.EventApprovalRequested:
		return "Your application is awaiting final approvals."
	case model.EventAccountManagerRejected:
		return "Your application was declined by the account manager."
	case model.EventTwoFactorApprovalCompleted:
		return "Both approvals received."
	case model.EventFinalApprovalGranted:
		return "Final approval granted."
	case model.EventRetriesExhausted:
		return "We hit a problem processing your application. Our team is on it."
	case model.EventHumanDecisionTimeout:
		return "A pending step on your application timed out."
	case model.EventManagementEscalation:
		return "Your application has been escalated for management attention."
	case model.EventKillSwitchExecuted:
		return "Your onboarding was terminated."
	default:
		return "Your onboarding status changed."
	}
}
