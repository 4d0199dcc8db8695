package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/onboarding/internal/config"
	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/gateway"
	"github.com/edvin/onboarding/internal/model"
)

type harness struct {
	t       *testing.T
	store   *fakeStore
	gateway *fakeGateway
	engine  *Engine
	policy  *config.Policy
}

func newHarness(t *testing.T) *harness {
	store := newFakeStore()
	gw := newFakeGateway()

	policy := config.DefaultPolicy()
	for name := range policy.GatewayRetry {
		policy.GatewayRetry[name] = config.RetryPolicy{
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    2 * time.Millisecond,
			MaximumAttempts:    2,
		}
	}

	notifier := NewNotifier(zerolog.Nop(), fakeNotifications{store})
	eng := New(zerolog.Nop(), Deps{
		Workflows: store,
		Events:    store,
		Decisions: store,
		Documents: fakeDocuments{store},
		Objects:   fakeObjects{store},
		Gateway:   gw,
		Notifier:  notifier,
		Policy:    policy,
		WorkerID:  "worker-test",
	})

	return &harness{t: t, store: store, gateway: gw, engine: eng, policy: policy}
}

func strPtr(s string) *string { return &s }

func (h *harness) start(businessType *string, metadata string) *model.WorkflowInstance {
	h.t.Helper()
	var meta json.RawMessage
	if metadata != "" {
		meta = json.RawMessage(metadata)
	}
	return h.store.createWorkflow("app-1", businessType, strPtr("lead-1"), meta)
}

func (h *harness) advance(id string) {
	h.t.Helper()
	require.NoError(h.t, h.engine.Advance(context.Background(), id))
}

func (h *harness) get(id string) *model.WorkflowInstance {
	h.t.Helper()
	wf, err := h.store.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return wf
}

func (h *harness) uploadRequiredDocs(id string) {
	h.t.Helper()
	wf := h.get(id)
	require.NotNil(h.t, wf.BusinessType)
	for _, name := range model.RequiredDocuments(*wf.BusinessType) {
		_, err := h.engine.SubmitDocument(context.Background(), id, name, "application/pdf", []byte("content"), "app-1")
		require.NoError(h.t, err)
	}
}

func (h *harness) deliver(id, kind string, approved bool) {
	h.t.Helper()
	require.NoError(h.t, h.engine.Deliver(context.Background(), id, model.Decision{
		Kind:     kind,
		Approved: approved,
		ActorID:  "user-1",
	}))
}

func (h *harness) pendingKind(id string) string {
	h.t.Helper()
	d, err := h.store.GetPending(context.Background(), id)
	require.NoError(h.t, err)
	return d.Kind
}

func (h *harness) hasEvent(id string, eventType model.EventType) bool {
	has, err := h.store.Has(context.Background(), id, eventType)
	require.NoError(h.t, err)
	return has
}

// reachContractSigning drives a low-risk company workflow up to the contract
// signature gate.
func (h *harness) reachContractSigning(id string) {
	h.t.Helper()
	h.advance(id)
	h.uploadRequiredDocs(id)
	h.advance(id)
	require.Equal(h.t, model.DecisionQuoteReview, h.pendingKind(id))
	h.deliver(id, model.DecisionQuoteReview, true)
	h.advance(id)
	require.Equal(h.t, model.DecisionContractSigning, h.pendingKind(id))
}

func (h *harness) reachTwoFactor(id string) {
	h.t.Helper()
	h.reachContractSigning(id)
	h.deliver(id, model.DecisionContractSigning, true)
	h.advance(id)
	require.Equal(h.t, model.DecisionTwoFactorApproval, h.pendingKind(id))
}

func TestHappyPathCompletesWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")

	h.advance(wf.ID)
	got := h.get(wf.ID)
	assert.Equal(t, model.StatusAwaitingHuman, got.Status)
	assert.Equal(t, model.StageDocumentCollection, got.Stage)
	assert.Equal(t, model.DecisionDocumentUpload, h.pendingKind(wf.ID))

	h.uploadRequiredDocs(wf.ID)
	got = h.get(wf.ID)
	assert.Equal(t, model.StatusRunning, got.Status)

	h.advance(wf.ID)
	got = h.get(wf.ID)
	assert.Equal(t, model.StatusAwaitingHuman, got.Status)
	assert.Equal(t, model.StageQuoteGeneration, got.Stage)
	for _, evt := range []model.EventType{
		model.EventDocumentsAggregated,
		model.EventDocumentsCompleted,
		model.EventValidationCompleted,
		model.EventSanctionsCompleted,
		model.EventRiskAnalysisCompleted,
		model.EventQuoteRequested,
		model.EventQuoteGenerated,
	} {
		assert.True(t, h.hasEvent(wf.ID, evt), "expected %s on the log", evt)
	}

	h.deliver(wf.ID, model.DecisionQuoteReview, true)
	h.advance(wf.ID)
	got = h.get(wf.ID)
	assert.Equal(t, model.StageContractReviewAndSigning, got.Stage)
	assert.True(t, h.hasEvent(wf.ID, model.EventMandateVerified))
	assert.True(t, h.hasEvent(wf.ID, model.EventProcurementCompleted))

	h.deliver(wf.ID, model.DecisionContractSigning, true)
	h.advance(wf.ID)
	assert.Equal(t, model.DecisionTwoFactorApproval, h.pendingKind(wf.ID))

	h.deliver(wf.ID, model.DecisionRiskManagerApproval, true)
	assert.Equal(t, model.StatusAwaitingHuman, h.get(wf.ID).Status)
	h.deliver(wf.ID, model.DecisionAccountManagerApproval, true)

	h.advance(wf.ID)
	got = h.get(wf.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, model.StageCompleted, got.Stage)
	assert.True(t, h.hasEvent(wf.ID, model.EventTwoFactorApprovalCompleted))
	assert.True(t, h.hasEvent(wf.ID, model.EventFinalApprovalGranted))
	assert.True(t, h.hasEvent(wf.ID, model.EventWorkflowCompleted))

	completed := false
	for _, n := range h.store.notifications {
		if n.WorkflowID == wf.ID && n.Type == model.NotificationCompleted {
			completed = true
		}
	}
	assert.True(t, completed, "expected a completed notification")
}

func TestRetriesExhaustedFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.gateway.sanctions = func(context.Context, string) (*gateway.SanctionsResult, error) {
		return nil, &gateway.TransientError{Service: "sanctions", Err: errors.New("connection refused")}
	}

	wf := h.start(strPtr(model.BusinessTypeSoleTrader), "")
	h.advance(wf.ID)
	h.uploadRequiredDocs(wf.ID)
	h.advance(wf.ID)

	got := h.get(wf.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "sanctions")
	assert.True(t, h.hasEvent(wf.ID, model.EventRetriesExhausted))
	assert.True(t, h.hasEvent(wf.ID, model.EventManagementEscalation))
	assert.True(t, h.hasEvent(wf.ID, model.EventWorkflowFailed))

	actionable := false
	for _, n := range h.store.notifications {
		if n.WorkflowID == wf.ID && n.Type == model.NotificationFailed && n.Actionable {
			actionable = true
		}
	}
	assert.True(t, actionable, "expected an actionable failed notification")
}

func TestPermanentGatewayErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.gateway.sanctions = func(context.Context, string) (*gateway.SanctionsResult, error) {
		calls++
		return nil, &gateway.PermanentError{Service: "sanctions", Status: 422, Err: errors.New("unknown applicant")}
	}

	wf := h.start(strPtr(model.BusinessTypeSoleTrader), "")
	h.advance(wf.ID)
	h.uploadRequiredDocs(wf.ID)
	h.advance(wf.ID)

	assert.Equal(t, model.StatusFailed, h.get(wf.ID).Status)
	assert.Equal(t, 1, calls)
	assert.False(t, h.hasEvent(wf.ID, model.EventRetriesExhausted))
}

func TestQuoteCallbackIdempotent(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	h.advance(wf.ID)
	h.uploadRequiredDocs(wf.ID)
	h.advance(wf.ID)
	require.Equal(t, model.DecisionQuoteReview, h.pendingKind(wf.ID))

	ctx := context.Background()
	adjusted := &gateway.Quote{QuoteID: "q-2", Amount: 900, Terms: "net 60"}
	require.NoError(t, h.engine.DeliverQuoteCallback(ctx, wf.ID, adjusted))

	count, err := h.store.CountByType(ctx, wf.ID, model.EventQuoteAdjusted)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, model.DecisionQuoteReview, h.pendingKind(wf.ID))

	before := len(h.store.eventTypes(wf.ID))
	require.NoError(t, h.engine.DeliverQuoteCallback(ctx, wf.ID, adjusted))
	require.NoError(t, h.engine.DeliverQuoteCallback(ctx, wf.ID, &gateway.Quote{QuoteID: "q-1", Amount: 1000}))
	assert.Equal(t, before, len(h.store.eventTypes(wf.ID)), "duplicate callbacks must not append events")
}

func TestQuoteRejectionLoopsAndRegenerates(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	h.advance(wf.ID)
	h.uploadRequiredDocs(wf.ID)
	h.advance(wf.ID)

	h.gateway.quote = func(context.Context, string) (*gateway.Quote, error) {
		return &gateway.Quote{QuoteID: "q-2", Amount: 800}, nil
	}
	h.deliver(wf.ID, model.DecisionQuoteReview, false)

	got := h.get(wf.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, model.StageQuoteGeneration, got.Stage)
	assert.True(t, h.hasEvent(wf.ID, model.EventQuoteRejected))
	assert.True(t, h.hasEvent(wf.ID, model.EventQuoteNeedsUpdate))

	h.advance(wf.ID)
	assert.Equal(t, model.DecisionQuoteReview, h.pendingKind(wf.ID))
	seen, err := h.store.HasWithPayloadField(context.Background(), wf.ID, model.EventQuoteGenerated, "quote_id", "q-2")
	require.NoError(t, err)
	assert.True(t, seen, "expected a regenerated quote")
}

func TestKillSwitchSilencesWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	h.reachContractSigning(wf.ID)

	ctx := context.Background()
	require.NoError(t, h.engine.Terminate(ctx, wf.ID, "fraud signal", "ops-1"))

	got := h.get(wf.ID)
	assert.Equal(t, model.StatusTerminated, got.Status)
	_, err := h.store.GetPending(ctx, wf.ID)
	assert.ErrorIs(t, err, core.ErrNoPendingDecision)

	types := h.store.eventTypes(wf.ID)
	assert.Equal(t, model.EventKillSwitchExecuted, types[len(types)-1])
	before := len(types)

	// Late delivery, another engine pass, and a repeat kill are all silent.
	require.NoError(t, h.engine.Deliver(ctx, wf.ID, model.Decision{
		Kind: model.DecisionContractSigning, Approved: true, ActorID: "user-1",
	}))
	h.advance(wf.ID)
	require.NoError(t, h.engine.Terminate(ctx, wf.ID, "again", "ops-1"))

	assert.Equal(t, before, len(h.store.eventTypes(wf.ID)), "terminated workflows accept no events")
	assert.Equal(t, model.StatusTerminated, h.get(wf.ID).Status)

	terminated := false
	for _, n := range h.store.notifications {
		if n.WorkflowID == wf.ID && n.Type == model.NotificationTerminated {
			terminated = true
		}
	}
	assert.True(t, terminated, "expected a terminated notification")
}

func TestTwoFactorApprovalOrderIndependent(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	h.reachTwoFactor(wf.ID)

	// Account manager first, then a duplicate, then the risk manager.
	h.deliver(wf.ID, model.DecisionAccountManagerApproval, true)
	assert.Equal(t, model.StatusAwaitingHuman, h.get(wf.ID).Status)
	h.deliver(wf.ID, model.DecisionAccountManagerApproval, true)

	count, err := h.store.CountByType(context.Background(), wf.ID, model.EventAccountManagerApproved)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "repeat approval must not append")

	h.deliver(wf.ID, model.DecisionRiskManagerApproval, true)
	got := h.get(wf.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, model.StageFinalApproval, got.Stage)
	assert.True(t, h.hasEvent(wf.ID, model.EventTwoFactorApprovalCompleted))
}

func TestTwoFactorRejectionFails(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	h.reachTwoFactor(wf.ID)

	h.deliver(wf.ID, model.DecisionAccountManagerApproval, false)
	got := h.get(wf.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.True(t, h.hasEvent(wf.ID, model.EventAccountManagerRejected))
}

func TestTwoFactorWrongKindLeavesRequestOutstanding(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	h.reachTwoFactor(wf.ID)

	ctx := context.Background()
	received, err := h.store.CountByType(ctx, wf.ID, model.EventHumanDecisionReceived)
	require.NoError(t, err)

	// The request kind itself is not deliverable; only the two role
	// approvals resolve it. The request must survive the bad delivery.
	err = h.engine.Deliver(ctx, wf.ID, model.Decision{
		Kind:     model.DecisionTwoFactorApproval,
		Approved: true,
		ActorID:  "user-1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNoPendingDecision)

	assert.Equal(t, model.StatusAwaitingHuman, h.get(wf.ID).Status)
	assert.Equal(t, model.DecisionTwoFactorApproval, h.pendingKind(wf.ID))
	after, err := h.store.CountByType(ctx, wf.ID, model.EventHumanDecisionReceived)
	require.NoError(t, err)
	assert.Equal(t, received, after, "rejected delivery must not touch the log")

	// Both approvers can still get through.
	h.deliver(wf.ID, model.DecisionRiskManagerApproval, true)
	h.deliver(wf.ID, model.DecisionAccountManagerApproval, true)
	got := h.get(wf.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, model.StageFinalApproval, got.Stage)
}

func TestDeliveryRetriesAfterLostOutcomeCommit(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	h.advance(wf.ID)
	h.uploadRequiredDocs(wf.ID)
	h.advance(wf.ID)
	require.Equal(t, model.DecisionQuoteReview, h.pendingKind(wf.ID))

	ctx := context.Background()
	h.store.transitionErr = errors.New("connection reset by peer")
	err := h.engine.Deliver(ctx, wf.ID, model.Decision{
		Kind:     model.DecisionQuoteReview,
		Approved: true,
		ActorID:  "user-1",
	})
	require.Error(t, err)

	// The outcome never committed, so the request is still outstanding and
	// the delivery can simply be repeated.
	assert.Equal(t, model.StatusAwaitingHuman, h.get(wf.ID).Status)
	require.Equal(t, model.DecisionQuoteReview, h.pendingKind(wf.ID))

	h.store.transitionErr = nil
	h.deliver(wf.ID, model.DecisionQuoteReview, true)
	got := h.get(wf.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, model.StageMandateVerification, got.Stage)
	_, err = h.store.GetPending(ctx, wf.ID)
	assert.ErrorIs(t, err, core.ErrNoPendingDecision,
		"the accepted outcome resolves the request with it")
}

func TestConcurrentTerminateNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.Terminate(ctx, wf.ID, "fraud signal", "ops-1"))
		}()
	}
	wg.Wait()

	kills, err := h.store.CountByType(ctx, wf.ID, model.EventKillSwitchExecuted)
	require.NoError(t, err)
	assert.Equal(t, 1, kills)

	notified := 0
	for _, n := range h.store.notifications {
		if n.WorkflowID == wf.ID && n.Type == model.NotificationTerminated {
			notified++
		}
	}
	assert.Equal(t, 1, notified, "racing terminations must settle on one winner")
}

func TestMandateRetryBoundFromLog(t *testing.T) {
	h := newHarness(t)
	h.policy.MaxMandateAttempts = 2
	h.gateway.mandate = func(context.Context, string) (*gateway.MandateResult, error) {
		return &gateway.MandateResult{MandateID: "m-1", Verified: false, Reason: "not signed"}, nil
	}

	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	h.advance(wf.ID)
	h.uploadRequiredDocs(wf.ID)
	h.advance(wf.ID)
	h.deliver(wf.ID, model.DecisionQuoteReview, true)

	for attempt := 1; attempt <= 2; attempt++ {
		h.advance(wf.ID)
		require.Equal(t, model.DecisionMandateCollection, h.pendingKind(wf.ID))
		count, err := h.store.CountByType(context.Background(), wf.ID, model.EventMandateRetry)
		require.NoError(t, err)
		assert.Equal(t, attempt, count)
		h.deliver(wf.ID, model.DecisionMandateCollection, true)
	}

	h.advance(wf.ID)
	got := h.get(wf.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.True(t, h.hasEvent(wf.ID, model.EventMandateCollectionExpired))
}

func TestRiskReviewReworkLoop(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), `{"industry_risk": 30}`)
	h.advance(wf.ID)
	h.uploadRequiredDocs(wf.ID)
	h.advance(wf.ID)
	require.Equal(t, model.DecisionRiskManagerReview, h.pendingKind(wf.ID))

	require.NoError(t, h.engine.Deliver(context.Background(), wf.ID, model.Decision{
		Kind:    model.DecisionRiskManagerReview,
		ActorID: "rm-1",
		Payload: json.RawMessage(`{"rework": true}`),
	}))
	got := h.get(wf.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, model.StageRiskAnalysis, got.Stage)

	h.advance(wf.ID)
	require.Equal(t, model.DecisionRiskManagerReview, h.pendingKind(wf.ID))

	h.deliver(wf.ID, model.DecisionRiskManagerReview, true)
	got = h.get(wf.ID)
	assert.Equal(t, model.StageQuoteGeneration, got.Stage)
}

func TestRiskReviewRejectionFails(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), `{"industry_risk": 30}`)
	h.advance(wf.ID)
	h.uploadRequiredDocs(wf.ID)
	h.advance(wf.ID)

	h.deliver(wf.ID, model.DecisionRiskManagerReview, false)
	got := h.get(wf.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.True(t, h.hasEvent(wf.ID, model.EventRiskManagerRejected))
}

func TestDeadlineSweepEscalatesThenResume(t *testing.T) {
	h := newHarness(t)
	h.policy.DecisionDeadlines[model.DecisionDocumentUpload] = -time.Hour

	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	h.advance(wf.ID)
	require.Equal(t, model.StatusAwaitingHuman, h.get(wf.ID).Status)

	ctx := context.Background()
	require.NoError(t, h.engine.SweepExpired(ctx))

	got := h.get(wf.ID)
	assert.Equal(t, model.StatusPaused, got.Status)
	assert.True(t, h.hasEvent(wf.ID, model.EventHumanDecisionTimeout))
	assert.True(t, h.hasEvent(wf.ID, model.EventManagementEscalation))
	_, err := h.store.GetPending(ctx, wf.ID)
	assert.ErrorIs(t, err, core.ErrNoPendingDecision)

	// Paused instances are not runnable.
	h.advance(wf.ID)
	assert.Equal(t, model.StatusPaused, h.get(wf.ID).Status)

	require.NoError(t, h.engine.Resume(ctx, wf.ID, "ops-1"))
	got = h.get(wf.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.True(t, h.hasEvent(wf.ID, model.EventWorkflowResumed))

	h.advance(wf.ID)
	assert.Equal(t, model.DecisionDocumentUpload, h.pendingKind(wf.ID))
}

func TestResumeRequiresPaused(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	err := h.engine.Resume(context.Background(), wf.ID, "ops-1")
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestAdvanceContestation(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")

	claimed, err := h.store.ClaimLease(context.Background(), wf.ID, "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	h.advance(wf.ID)
	got := h.get(wf.ID)
	assert.Equal(t, model.StatusPending, got.Status, "contested lease must leave the instance untouched")
	assert.Equal(t, model.StageBusinessTypeDetermination, got.Stage)
}

func TestDeliverWithoutPendingDecision(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")

	err := h.engine.Deliver(context.Background(), wf.ID, model.Decision{
		Kind: model.DecisionContractSigning, Approved: true, ActorID: "user-1",
	})
	assert.ErrorIs(t, err, core.ErrNoPendingDecision)
}

func TestDeliverRedeliveryAfterOutcomeRecorded(t *testing.T) {
	h := newHarness(t)
	wf := h.start(strPtr(model.BusinessTypeCompany), "")
	h.reachContractSigning(wf.ID)
	h.deliver(wf.ID, model.DecisionContractSigning, true)

	before := len(h.store.eventTypes(wf.ID))
	h.deliver(wf.ID, model.DecisionContractSigning, true)
	assert.Equal(t, before, len(h.store.eventTypes(wf.ID)), "redelivery must be a no-op")
}
