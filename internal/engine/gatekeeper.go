package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/gateway"
	"github.com/edvin/onboarding/internal/metrics"
	"github.com/edvin/onboarding/internal/model"
)

// Deliver feeds a human decision into a suspended workflow. Deliveries to a
// terminated workflow are discarded with a log entry. Redeliveries are
// idempotent: once the outcome is on the log, delivering it again changes
// nothing.
func (e *Engine) Deliver(ctx context.Context, workflowID string, decision model.Decision) error {
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status == model.StatusTerminated {
		e.logger.Info().Str("workflow_id", workflowID).Str("kind", decision.Kind).
			Msg("decision discarded, workflow terminated")
		return nil
	}

	pending, err := e.decisions.GetPending(ctx, workflowID)
	if errors.Is(err, core.ErrNoPendingDecision) {
		recorded, checkErr := e.outcomeRecorded(ctx, workflowID, decision.Kind)
		if checkErr != nil {
			return checkErr
		}
		if recorded {
			e.logger.Info().Str("workflow_id", workflowID).Str("kind", decision.Kind).
				Msg("decision redelivery ignored, outcome already recorded")
			return nil
		}
		return fmt.Errorf("deliver %s to %s: %w", decision.Kind, workflowID, core.ErrNoPendingDecision)
	}
	if err != nil {
		return err
	}

	if pending.Kind == model.DecisionTwoFactorApproval {
		switch decision.Kind {
		case model.DecisionRiskManagerApproval, model.DecisionAccountManagerApproval:
			return e.deliverTwoFactor(ctx, wf, pending, decision)
		}
		return fmt.Errorf("deliver %s to %s: two-factor approval takes %s or %s: %w",
			decision.Kind, workflowID, model.DecisionRiskManagerApproval,
			model.DecisionAccountManagerApproval, core.ErrNoPendingDecision)
	}
	if decision.Kind != pending.Kind {
		return fmt.Errorf("deliver %s to %s: outstanding decision is %s: %w",
			decision.Kind, workflowID, pending.Kind, core.ErrNoPendingDecision)
	}

	// Resolve the handler before touching any state. A kind without a
	// handler must leave the request outstanding, or the workflow would sit
	// in awaiting_human with nothing to wait on.
	var apply func(context.Context) error
	switch pending.Kind {
	case model.DecisionRiskManagerReview:
		apply = func(ctx context.Context) error { return e.applyRiskReview(ctx, wf, pending, decision) }
	case model.DecisionQuoteReview:
		apply = func(ctx context.Context) error { return e.applyQuoteReview(ctx, wf, pending, decision) }
	case model.DecisionContractSigning:
		apply = func(ctx context.Context) error { return e.applyContractSigning(ctx, wf, pending, decision) }
	case model.DecisionDocumentUpload, model.DecisionMandateCollection:
		// The applicant says they have acted; put the instance back on the
		// runnable path and let the stage handler re-check.
		apply = func(ctx context.Context) error {
			_, err := e.transition(ctx, wf, core.TransitionParams{
				WorkflowID:         wf.ID,
				FromStatuses:       []string{model.StatusAwaitingHuman},
				Status:             model.StatusRunning,
				CompleteDecisionID: pending.ID,
				Event: &model.WorkflowEvent{
					EventType: model.EventWorkflowResumed,
					ActorType: model.ActorUser,
					ActorID:   &decision.ActorID,
				},
			})
			return err
		}
	default:
		return fmt.Errorf("deliver to %s: no handler for decision kind %s", workflowID, pending.Kind)
	}

	received, _ := json.Marshal(map[string]any{
		"kind":     decision.Kind,
		"approved": decision.Approved,
		"comment":  decision.Comment,
	})
	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventHumanDecisionReceived,
		Payload:   received,
		ActorType: model.ActorUser,
		ActorID:   &decision.ActorID,
	}); err != nil || !ok {
		return err
	}

	// The outcome transition completes the pending decision in the same
	// transaction. Until it commits, the request stays outstanding and the
	// delivery can simply be retried.
	return apply(ctx)
}

// outcomeRecorded reports whether the event(s) a decision kind produces are
// already on the log, which makes a redelivery a no-op.
func (e *Engine) outcomeRecorded(ctx context.Context, workflowID, kind string) (bool, error) {
	var eventTypes []model.EventType
	switch kind {
	case model.DecisionRiskManagerReview:
		eventTypes = []model.EventType{model.EventRiskManagerApproved, model.EventRiskManagerRejected, model.EventRiskManagerReworkRequested}
	case model.DecisionQuoteReview:
		eventTypes = []model.EventType{model.EventQuoteAccepted, model.EventQuoteRejected}
	case model.DecisionContractSigning:
		eventTypes = []model.EventType{model.EventContractSigned, model.EventContractDeclined}
	case model.DecisionRiskManagerApproval:
		eventTypes = []model.EventType{model.EventRiskManagerApproved, model.EventRiskManagerRejected}
	case model.DecisionAccountManagerApproval:
		eventTypes = []model.EventType{model.EventAccountManagerApproved, model.EventAccountManagerRejected}
	case model.DecisionMandateCollection:
		eventTypes = []model.EventType{model.EventMandateVerified}
	case model.DecisionDocumentUpload:
		eventTypes = []model.EventType{model.EventDocumentsCompleted}
	}
	for _, t := range eventTypes {
		has, err := e.events.Has(ctx, workflowID, t)
		if err != nil {
			return false, err
		}
		if has {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) applyRiskReview(ctx context.Context, wf *model.WorkflowInstance, pending *model.PendingDecision, decision model.Decision) error {
	var body struct {
		Rework bool `json:"rework"`
	}
	if decision.Payload != nil {
		_ = json.Unmarshal(decision.Payload, &body)
	}
	payload, _ := json.Marshal(map[string]string{"comment": decision.Comment})

	switch {
	case body.Rework:
		_, err := e.transition(ctx, wf, core.TransitionParams{
			WorkflowID:         wf.ID,
			Status:             model.StatusRunning,
			Stage:              model.StageRiskAnalysis,
			CompleteDecisionID: pending.ID,
			Event: &model.WorkflowEvent{
				EventType: model.EventRiskManagerReworkRequested,
				Payload:   payload,
				ActorType: model.ActorUser,
				ActorID:   &decision.ActorID,
			},
		})
		return err
	case decision.Approved:
		_, err := e.transition(ctx, wf, core.TransitionParams{
			WorkflowID:         wf.ID,
			Status:             model.StatusRunning,
			Stage:              model.StageQuoteGeneration,
			CompleteDecisionID: pending.ID,
			Event: &model.WorkflowEvent{
				EventType: model.EventRiskManagerApproved,
				Payload:   payload,
				ActorType: model.ActorUser,
				ActorID:   &decision.ActorID,
			},
		})
		return err
	default:
		return e.failOnDecision(ctx, wf, pending.ID, "rejected by risk manager", &model.WorkflowEvent{
			EventType: model.EventRiskManagerRejected,
			Payload:   payload,
			ActorType: model.ActorUser,
			ActorID:   &decision.ActorID,
		})
	}
}

// failOnDecision records a rejecting outcome: the outcome event, the flip to
// failed, and the decision completion commit as one transaction, then
// workflow_failed goes on the log.
func (e *Engine) failOnDecision(ctx context.Context, wf *model.WorkflowInstance, decisionID, reason string, outcome *model.WorkflowEvent) error {
	ok, err := e.transition(ctx, wf, core.TransitionParams{
		WorkflowID:         wf.ID,
		Status:             model.StatusFailed,
		FailureReason:      &reason,
		CompleteDecisionID: decisionID,
		Event:              outcome,
	})
	if err != nil || !ok {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	if _, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventWorkflowFailed,
		Payload:   payload,
	}); err != nil {
		return err
	}
	e.logger.Warn().Str("workflow_id", wf.ID).Str("reason", reason).Msg("workflow failed")
	return nil
}

func (e *Engine) applyQuoteReview(ctx context.Context, wf *model.WorkflowInstance, pending *model.PendingDecision, decision model.Decision) error {
	if decision.Approved {
		_, err := e.transition(ctx, wf, core.TransitionParams{
			WorkflowID:         wf.ID,
			Status:             model.StatusRunning,
			Stage:              model.StageMandateVerification,
			CompleteDecisionID: pending.ID,
			Event: &model.WorkflowEvent{
				EventType: model.EventQuoteAccepted,
				Payload:   pending.Payload,
				ActorType: model.ActorUser,
				ActorID:   &decision.ActorID,
			},
		})
		return err
	}

	// Rejection loops: the rejection, the move back to quote generation and
	// the decision completion commit together, then the regeneration flag
	// goes on the log.
	ok, err := e.transition(ctx, wf, core.TransitionParams{
		WorkflowID:         wf.ID,
		Status:             model.StatusRunning,
		Stage:              model.StageQuoteGeneration,
		CompleteDecisionID: pending.ID,
		Event: &model.WorkflowEvent{
			EventType: model.EventQuoteRejected,
			Payload:   pending.Payload,
			ActorType: model.ActorUser,
			ActorID:   &decision.ActorID,
		},
	})
	if err != nil || !ok {
		return err
	}
	_, err = e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventQuoteNeedsUpdate,
		Payload:   pending.Payload,
		ActorType: model.ActorUser,
		ActorID:   &decision.ActorID,
	})
	return err
}

func (e *Engine) applyContractSigning(ctx context.Context, wf *model.WorkflowInstance, pending *model.PendingDecision, decision model.Decision) error {
	payload, _ := json.Marshal(map[string]string{"comment": decision.Comment})
	if decision.Approved {
		_, err := e.transition(ctx, wf, core.TransitionParams{
			WorkflowID:         wf.ID,
			Status:             model.StatusRunning,
			Stage:              model.StageTwoFactorApproval,
			CompleteDecisionID: pending.ID,
			Event: &model.WorkflowEvent{
				EventType: model.EventContractSigned,
				Payload:   payload,
				ActorType: model.ActorUser,
				ActorID:   &decision.ActorID,
			},
		})
		return err
	}

	return e.failOnDecision(ctx, wf, pending.ID, "contract declined", &model.WorkflowEvent{
		EventType: model.EventContractDeclined,
		Payload:   payload,
		ActorType: model.ActorUser,
		ActorID:   &decision.ActorID,
	})
}

// deliverTwoFactor handles the dual-approval kinds against the single
// outstanding two_factor_approval request. Approvals land in either order;
// the request completes only when both are on the log. A repeat approval
// from the same role is a no-op.
func (e *Engine) deliverTwoFactor(ctx context.Context, wf *model.WorkflowInstance, pending *model.PendingDecision, decision model.Decision) error {
	approvedEvent := model.EventRiskManagerApproved
	rejectedEvent := model.EventRiskManagerRejected
	otherEvent := model.EventAccountManagerApproved
	if decision.Kind == model.DecisionAccountManagerApproval {
		approvedEvent = model.EventAccountManagerApproved
		rejectedEvent = model.EventAccountManagerRejected
		otherEvent = model.EventRiskManagerApproved
	}

	payload, _ := json.Marshal(map[string]string{"comment": decision.Comment})

	if !decision.Approved {
		return e.failOnDecision(ctx, wf, pending.ID, "rejected during two-factor approval", &model.WorkflowEvent{
			EventType: rejectedEvent,
			Payload:   payload,
			ActorType: model.ActorUser,
			ActorID:   &decision.ActorID,
		})
	}

	already, err := e.events.HasWithPayloadField(ctx, wf.ID, approvedEvent, "phase", "two_factor")
	if err != nil {
		return err
	}
	if already {
		e.logger.Info().Str("workflow_id", wf.ID).Str("kind", decision.Kind).
			Msg("approval redelivery ignored")
		return nil
	}

	approvalPayload, _ := json.Marshal(map[string]string{"phase": "two_factor", "comment": decision.Comment})
	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: approvedEvent,
		Payload:   approvalPayload,
		ActorType: model.ActorUser,
		ActorID:   &decision.ActorID,
	}); err != nil || !ok {
		return err
	}

	other, err := e.events.HasWithPayloadField(ctx, wf.ID, otherEvent, "phase", "two_factor")
	if err != nil {
		return err
	}
	if !other {
		// First of the two; the request stays pending for the second role.
		return nil
	}

	// Second of the two: the completion transition resolves the request in
	// the same transaction.
	_, err = e.transition(ctx, wf, core.TransitionParams{
		WorkflowID:         wf.ID,
		Status:             model.StatusRunning,
		Stage:              model.StageFinalApproval,
		CompleteDecisionID: pending.ID,
		Event:              &model.WorkflowEvent{EventType: model.EventTwoFactorApprovalCompleted},
	})
	return err
}

// DeliverQuoteCallback records a quote pushed by the quote service, dedup'd
// by quote id: replaying the same delivery changes nothing. A fresh quote
// supersedes any outstanding review of the previous one.
func (e *Engine) DeliverQuoteCallback(ctx context.Context, workflowID string, quote *gateway.Quote) error {
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status == model.StatusTerminated {
		e.logger.Info().Str("workflow_id", workflowID).Str("quote_id", quote.QuoteID).
			Msg("quote callback discarded, workflow terminated")
		return nil
	}
	if wf.Stage != model.StageQuoteGeneration {
		e.logger.Info().Str("workflow_id", workflowID).Str("quote_id", quote.QuoteID).
			Str("stage", wf.Stage.String()).Msg("quote callback ignored, not at quote generation")
		return nil
	}

	for _, t := range []model.EventType{model.EventQuoteGenerated, model.EventQuoteAdjusted} {
		seen, err := e.events.HasWithPayloadField(ctx, workflowID, t, "quote_id", quote.QuoteID)
		if err != nil {
			return err
		}
		if seen {
			e.logger.Info().Str("workflow_id", workflowID).Str("quote_id", quote.QuoteID).
				Msg("duplicate quote callback ignored")
			return nil
		}
	}

	eventType := model.EventQuoteGenerated
	if seen, err := e.events.Has(ctx, workflowID, model.EventQuoteGenerated); err != nil {
		return err
	} else if seen {
		eventType = model.EventQuoteAdjusted
	}

	// A superseded review request must not linger.
	if pending, err := e.decisions.GetPending(ctx, workflowID); err == nil && pending.Kind == model.DecisionQuoteReview {
		if err := e.decisions.DiscardForWorkflow(ctx, workflowID); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"quote_id": quote.QuoteID,
		"amount":   quote.Amount,
		"terms":    quote.Terms,
	})
	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: eventType,
		Payload:   payload,
	}); err != nil || !ok {
		return err
	}

	_, err = e.requestDecision(ctx, wf, model.DecisionQuoteReview, "", payload)
	return err
}

// SweepExpired expires pending decisions past their deadline and escalates
// the affected workflows. Failures on one workflow do not stop the sweep.
func (e *Engine) SweepExpired(ctx context.Context) error {
	expired, err := e.decisions.ListExpired(ctx, time.Now(), 50)
	if err != nil {
		return fmt.Errorf("sweep expired decisions: %w", err)
	}

	for _, d := range expired {
		if err := e.expireDecision(ctx, d); err != nil {
			e.logger.Error().Err(err).Str("workflow_id", d.WorkflowID).Str("kind", d.Kind).
				Msg("expire decision failed")
		}
	}
	return nil
}

func (e *Engine) expireDecision(ctx context.Context, d model.PendingDecision) error {
	if err := e.decisions.Expire(ctx, d.ID); err != nil {
		if errors.Is(err, core.ErrNoPendingDecision) {
			return nil
		}
		return err
	}

	wf, err := e.workflows.GetByID(ctx, d.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Status == model.StatusTerminated {
		return nil
	}

	payload, _ := json.Marshal(map[string]string{
		"kind":     d.Kind,
		"deadline": d.Deadline.UTC().Format(time.RFC3339),
	})
	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventHumanDecisionTimeout,
		Payload:   payload,
	}); err != nil || !ok {
		return err
	}

	ok, err := e.transition(ctx, wf, core.TransitionParams{
		WorkflowID:   wf.ID,
		FromStatuses: []string{model.StatusAwaitingHuman},
		Status:       model.StatusPaused,
		Event: &model.WorkflowEvent{
			EventType: model.EventManagementEscalation,
			Payload:   payload,
		},
	})
	if err != nil || !ok {
		return err
	}
	metrics.CountEscalation()
	e.logger.Warn().Str("workflow_id", wf.ID).Str("kind", d.Kind).Msg("decision deadline expired, workflow escalated")
	return nil
}
