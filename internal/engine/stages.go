package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/gateway"
	"github.com/edvin/onboarding/internal/model"
)

// riskReviewThreshold is the score at or above which an application goes to
// a human risk manager instead of straight to quoting.
const riskReviewThreshold = 50

// runStage dispatches one pass of the handler for the instance's current
// stage. Handlers are pure functions of persisted state: they re-derive
// everything from the instance row, the event log, and the decision table,
// so a crashed or restarted worker resumes cleanly. The returned bool is
// whether the loop should keep going.
func (e *Engine) runStage(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	switch wf.Stage {
	case model.StageBusinessTypeDetermination:
		return e.stageBusinessType(ctx, wf)
	case model.StageDocumentCollection:
		return e.stageDocuments(ctx, wf)
	case model.StageValidation:
		return e.stageValidation(ctx, wf)
	case model.StageSanctionsCheck:
		return e.stageSanctions(ctx, wf)
	case model.StageRiskAnalysis:
		return e.stageRiskAnalysis(ctx, wf)
	case model.StageRiskManagerReview:
		return e.stageRiskReview(ctx, wf)
	case model.StageQuoteGeneration:
		return e.stageQuote(ctx, wf)
	case model.StageMandateVerification:
		return e.stageMandate(ctx, wf)
	case model.StageProcurementCheck:
		return e.stageProcurement(ctx, wf)
	case model.StageContractReviewAndSigning:
		return e.stageContract(ctx, wf)
	case model.StageTwoFactorApproval:
		return e.stageTwoFactor(ctx, wf)
	case model.StageFinalApproval:
		return e.stageFinalApproval(ctx, wf)
	case model.StageCompleted:
		return false, nil
	default:
		return false, fmt.Errorf("no handler for stage %d", wf.Stage)
	}
}

// requestDecision suspends the instance on a human decision: persists the
// pending request, appends the kind-specific request event for fresh
// requests, and flips the status to awaiting_human. Re-running after a crash
// between these steps converges on the same suspended state.
func (e *Engine) requestDecision(ctx context.Context, wf *model.WorkflowInstance, kind string, requestEvent model.EventType, payload json.RawMessage) (bool, error) {
	deadline := time.Now().Add(e.policy.DeadlineFor(kind))
	err := e.decisions.Create(ctx, &model.PendingDecision{
		WorkflowID: wf.ID,
		Kind:       kind,
		Deadline:   deadline,
		Payload:    payload,
	})
	switch {
	case errors.Is(err, core.ErrDecisionOutstanding):
		// Already requested; just make sure the status matches.
	case err != nil:
		return false, err
	default:
		if requestEvent != "" {
			if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
				EventType: requestEvent,
				Payload:   payload,
			}); err != nil || !ok {
				return false, err
			}
		}
	}

	evtPayload, _ := json.Marshal(map[string]string{
		"kind":     kind,
		"deadline": deadline.UTC().Format(time.RFC3339),
	})
	_, err = e.transition(ctx, wf, core.TransitionParams{
		WorkflowID:   wf.ID,
		FromStatuses: []string{model.StatusPending, model.StatusRunning, model.StatusAwaitingHuman},
		Status:       model.StatusAwaitingHuman,
		Event: &model.WorkflowEvent{
			EventType: model.EventHumanDecisionRequested,
			Payload:   evtPayload,
		},
	})
	return false, err
}

// stageBusinessType decides whether the applicant is a company or a sole
// trader. A type supplied at trigger time wins; otherwise the presence of a
// company number in the metadata decides.
func (e *Engine) stageBusinessType(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	businessType := model.BusinessTypeSoleTrader
	if wf.BusinessType != nil && *wf.BusinessType != "" {
		businessType = *wf.BusinessType
	} else {
		var meta map[string]any
		if err := json.Unmarshal(wf.Metadata, &meta); err == nil {
			if num, ok := meta["company_number"].(string); ok && num != "" {
				businessType = model.BusinessTypeCompany
			}
		}
	}

	payload, _ := json.Marshal(map[string]string{"business_type": businessType})
	return e.transition(ctx, wf, core.TransitionParams{
		WorkflowID:   wf.ID,
		Status:       model.StatusRunning,
		Stage:        model.StageDocumentCollection,
		BusinessType: &businessType,
		Event: &model.WorkflowEvent{
			EventType: model.EventBusinessTypeDetermined,
			Payload:   payload,
		},
	})
}

// stageDocuments waits until the business type's required document set is
// present, then aggregates the bundle and moves on.
func (e *Engine) stageDocuments(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	businessType := ""
	if wf.BusinessType != nil {
		businessType = *wf.BusinessType
	}

	present, err := e.documents.Names(ctx, wf.ID)
	if err != nil {
		return false, err
	}

	var missing []string
	for _, name := range model.RequiredDocuments(businessType) {
		if !present[name] {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		payload, _ := json.Marshal(map[string]any{"missing": missing})
		return e.requestDecision(ctx, wf, model.DecisionDocumentUpload, model.EventDocumentRequested, payload)
	}

	aggregated, err := e.events.Has(ctx, wf.ID, model.EventDocumentsAggregated)
	if err != nil {
		return false, err
	}
	if !aggregated {
		manifestKey, err := e.objects.WriteBundleManifest(ctx, wf.ID)
		if err != nil {
			return false, fmt.Errorf("aggregate documents: %w", err)
		}
		payload, _ := json.Marshal(map[string]string{"manifest_key": manifestKey})
		if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
			EventType: model.EventDocumentsAggregated,
			Payload:   payload,
		}); err != nil || !ok {
			return false, err
		}
	}

	return e.transition(ctx, wf, core.TransitionParams{
		WorkflowID: wf.ID,
		Status:     model.StatusRunning,
		Stage:      model.StageValidation,
		Event:      &model.WorkflowEvent{EventType: model.EventDocumentsCompleted},
	})
}

// stageValidation checks the application is internally consistent before any
// external service is involved. Failures here are the applicant's to fix,
// not transient, so the instance fails with an actionable notification.
func (e *Engine) stageValidation(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	var problems []string

	if wf.BusinessType == nil || (*wf.BusinessType != model.BusinessTypeCompany && *wf.BusinessType != model.BusinessTypeSoleTrader) {
		problems = append(problems, "unknown business type")
	}
	var meta map[string]any
	if err := json.Unmarshal(wf.Metadata, &meta); err != nil {
		problems = append(problems, "metadata is not a JSON object")
	}
	if wf.BusinessType != nil {
		present, err := e.documents.Names(ctx, wf.ID)
		if err != nil {
			return false, err
		}
		for _, name := range model.RequiredDocuments(*wf.BusinessType) {
			if !present[name] {
				problems = append(problems, "missing document "+name)
			}
		}
	}

	if len(problems) > 0 {
		payload, _ := json.Marshal(map[string]any{"problems": problems})
		if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
			EventType: model.EventValidationFailed,
			Payload:   payload,
		}); err != nil || !ok {
			return false, err
		}
		return e.fail(ctx, wf, fmt.Sprintf("validation failed: %d problem(s)", len(problems)))
	}

	return e.transition(ctx, wf, core.TransitionParams{
		WorkflowID: wf.ID,
		Status:     model.StatusRunning,
		Stage:      model.StageSanctionsCheck,
		Event:      &model.WorkflowEvent{EventType: model.EventValidationCompleted},
	})
}

// stageSanctions screens the applicant. A list hit does not fail the
// workflow; it escalates for compliance review.
func (e *Engine) stageSanctions(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	var result *gateway.SanctionsResult
	ok, cont, err := e.callExternal(ctx, wf, "sanctions", func(ctx context.Context) error {
		var callErr error
		result, callErr = e.gateway.CheckSanctions(ctx, wf.ApplicantID)
		return callErr
	})
	if !ok {
		return cont, err
	}

	if !result.Clear {
		payload, _ := json.Marshal(map[string]any{"lists_hit": result.ListsHit, "reference": result.Reference})
		if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
			EventType: model.EventSanctionsFlagged,
			Payload:   payload,
		}); err != nil || !ok {
			return false, err
		}
		return e.escalate(ctx, wf, "sanctions screening hit")
	}

	payload, _ := json.Marshal(map[string]string{"reference": result.Reference})
	return e.transition(ctx, wf, core.TransitionParams{
		WorkflowID: wf.ID,
		Status:     model.StatusRunning,
		Stage:      model.StageRiskAnalysis,
		Event: &model.WorkflowEvent{
			EventType: model.EventSanctionsCompleted,
			Payload:   payload,
		},
	})
}

// riskScore derives the application's risk score from its shape. Companies
// start higher than sole traders; the metadata may carry an industry
// component from the lead system.
func riskScore(wf *model.WorkflowInstance) int {
	score := 20
	if wf.BusinessType != nil && *wf.BusinessType == model.BusinessTypeCompany {
		score = 35
	}
	var meta map[string]any
	if err := json.Unmarshal(wf.Metadata, &meta); err == nil {
		if industry, ok := meta["industry_risk"].(float64); ok {
			score += int(industry)
		}
	}
	return score
}

// stageRiskAnalysis scores the application. High scores detour through the
// risk manager; low scores go straight to quoting.
func (e *Engine) stageRiskAnalysis(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	score := riskScore(wf)
	reviewRequired := score >= riskReviewThreshold

	next := model.StageQuoteGeneration
	if reviewRequired {
		next = model.StageRiskManagerReview
	}

	payload, _ := json.Marshal(map[string]any{"score": score, "review_required": reviewRequired})
	return e.transition(ctx, wf, core.TransitionParams{
		WorkflowID: wf.ID,
		Status:     model.StatusRunning,
		Stage:      next,
		Event: &model.WorkflowEvent{
			EventType: model.EventRiskAnalysisCompleted,
			Payload:   payload,
		},
	})
}

// stageRiskReview hands the application to a risk manager. The outcome
// arrives through the gatekeeper: approval continues to quoting, rework
// loops back to risk analysis, rejection fails the workflow.
func (e *Engine) stageRiskReview(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	payload, _ := json.Marshal(map[string]any{"score": riskScore(wf)})
	return e.requestDecision(ctx, wf, model.DecisionRiskManagerReview, model.EventRiskReviewRequested, payload)
}

// stageQuote requests a quote from the quote service and suspends on the
// applicant's review of it. A rejected quote loops back here via the
// gatekeeper for regeneration.
func (e *Engine) stageQuote(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	leadID := wf.ApplicantID
	if wf.LeadID != nil && *wf.LeadID != "" {
		leadID = *wf.LeadID
	}

	reqPayload, _ := json.Marshal(map[string]string{"lead_id": leadID})
	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventQuoteRequested,
		Payload:   reqPayload,
	}); err != nil || !ok {
		return false, err
	}

	var quote *gateway.Quote
	ok, cont, err := e.callExternal(ctx, wf, "quote", func(ctx context.Context) error {
		var callErr error
		quote, callErr = e.gateway.Quote(ctx, leadID)
		return callErr
	})
	if !ok {
		return cont, err
	}

	quotePayload, _ := json.Marshal(map[string]any{
		"quote_id": quote.QuoteID,
		"amount":   quote.Amount,
		"terms":    quote.Terms,
	})
	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventQuoteGenerated,
		Payload:   quotePayload,
	}); err != nil || !ok {
		return false, err
	}

	return e.requestDecision(ctx, wf, model.DecisionQuoteReview, "", quotePayload)
}

// stageMandate verifies the payment mandate. Unverified mandates get a
// bounded number of collection attempts, counted from the event log so the
// bound survives restarts; exhaustion fails the workflow.
func (e *Engine) stageMandate(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	determined, err := e.events.Has(ctx, wf.ID, model.EventMandateDetermined)
	if err != nil {
		return false, err
	}
	if !determined {
		payload, _ := json.Marshal(map[string]string{"method": "direct_debit"})
		if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
			EventType: model.EventMandateDetermined,
			Payload:   payload,
		}); err != nil || !ok {
			return false, err
		}
	}

	var result *gateway.MandateResult
	ok, cont, err := e.callExternal(ctx, wf, "mandate", func(ctx context.Context) error {
		var callErr error
		result, callErr = e.gateway.VerifyMandate(ctx, wf.ApplicantID)
		return callErr
	})
	if !ok {
		return cont, err
	}

	if result.Verified {
		payload, _ := json.Marshal(map[string]string{"mandate_id": result.MandateID})
		return e.transition(ctx, wf, core.TransitionParams{
			WorkflowID: wf.ID,
			Status:     model.StatusRunning,
			Stage:      model.StageProcurementCheck,
			Event: &model.WorkflowEvent{
				EventType: model.EventMandateVerified,
				Payload:   payload,
			},
		})
	}

	attempts, err := e.events.CountByType(ctx, wf.ID, model.EventMandateRetry)
	if err != nil {
		return false, err
	}
	if attempts >= e.policy.MaxMandateAttempts {
		payload, _ := json.Marshal(map[string]any{"attempts": attempts, "reason": result.Reason})
		if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
			EventType: model.EventMandateCollectionExpired,
			Payload:   payload,
		}); err != nil || !ok {
			return false, err
		}
		return e.fail(ctx, wf, "mandate collection attempts exhausted")
	}

	payload, _ := json.Marshal(map[string]any{"attempt": attempts + 1, "reason": result.Reason})
	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventMandateRetry,
		Payload:   payload,
	}); err != nil || !ok {
		return false, err
	}
	return e.requestDecision(ctx, wf, model.DecisionMandateCollection, "", payload)
}

// stageProcurement checks procurement eligibility. Ineligibility escalates
// rather than fails; a human decides whether to proceed.
func (e *Engine) stageProcurement(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	var result *gateway.ProcurementResult
	ok, cont, err := e.callExternal(ctx, wf, "procurement", func(ctx context.Context) error {
		var callErr error
		result, callErr = e.gateway.CheckProcurement(ctx, wf.ApplicantID)
		return callErr
	})
	if !ok {
		return cont, err
	}

	if !result.Eligible {
		payload, _ := json.Marshal(map[string]string{"reason": result.Reason, "reference": result.Reference})
		if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
			EventType: model.EventProcurementFlagged,
			Payload:   payload,
		}); err != nil || !ok {
			return false, err
		}
		return e.escalate(ctx, wf, "procurement check ineligible")
	}

	payload, _ := json.Marshal(map[string]string{"reference": result.Reference})
	return e.transition(ctx, wf, core.TransitionParams{
		WorkflowID: wf.ID,
		Status:     model.StatusRunning,
		Stage:      model.StageContractReviewAndSigning,
		Event: &model.WorkflowEvent{
			EventType: model.EventProcurementCompleted,
			Payload:   payload,
		},
	})
}

// stageContract puts the contract in front of the applicant for signature.
func (e *Engine) stageContract(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	return e.requestDecision(ctx, wf, model.DecisionContractSigning, model.EventContractReviewStarted, nil)
}

// stageTwoFactor requests the dual approval. One outstanding request covers
// both approvers; the gatekeeper completes it only when the risk manager and
// the account manager have both approved, in either order.
func (e *Engine) stageTwoFactor(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	return e.requestDecision(ctx, wf, model.DecisionTwoFactorApproval, model.EventApprovalRequested, nil)
}

// stageFinalApproval re-checks the log for every gate the workflow must have
// passed, then completes. A missing gate at this point is a bug upstream,
// not something a retry can fix.
func (e *Engine) stageFinalApproval(ctx context.Context, wf *model.WorkflowInstance) (bool, error) {
	required := []model.EventType{
		model.EventSanctionsCompleted,
		model.EventMandateVerified,
		model.EventContractSigned,
		model.EventTwoFactorApprovalCompleted,
	}
	for _, eventType := range required {
		has, err := e.events.Has(ctx, wf.ID, eventType)
		if err != nil {
			return false, err
		}
		if !has {
			return e.fail(ctx, wf, fmt.Sprintf("final approval check failed: no %s on record", eventType))
		}
	}

	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventFinalApprovalGranted,
	}); err != nil || !ok {
		return false, err
	}

	ok, err := e.transition(ctx, wf, core.TransitionParams{
		WorkflowID: wf.ID,
		Status:     model.StatusCompleted,
		Stage:      model.StageCompleted,
		Event:      &model.WorkflowEvent{EventType: model.EventWorkflowCompleted},
	})
	if err != nil || !ok {
		return false, err
	}
	e.logger.Info().Str("workflow_id", wf.ID).Msg("workflow completed")
	return false, nil
}
