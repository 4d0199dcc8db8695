// Package engine drives onboarding workflow instances through their stages.
// All state lives in Postgres; the engine is a stateless interpreter that can
// be killed and restarted at any point, picking instances back up from their
// persisted stage. Exactly one worker advances an instance at a time,
// serialized through the instance lease.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/onboarding/internal/config"
	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/gateway"
	"github.com/edvin/onboarding/internal/metrics"
	"github.com/edvin/onboarding/internal/model"
)

// maxTransitionsPerPass bounds how many stages one Advance call may run
// before giving the lease back.
const maxTransitionsPerPass = 20

// WorkflowStore is the instance persistence the engine depends on.
// *core.WorkflowService satisfies it.
type WorkflowStore interface {
	GetByID(ctx context.Context, id string) (*model.WorkflowInstance, error)
	ListRunnable(ctx context.Context, limit int) ([]string, error)
	ClaimLease(ctx context.Context, id, workerID string, duration time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, id, workerID string) error
	Transition(ctx context.Context, p core.TransitionParams) error
	Terminate(ctx context.Context, id, reason, actorID string) (bool, error)
}

// EventStore is the append-only log surface the engine reads its own history
// from. *core.EventService satisfies it.
type EventStore interface {
	Append(ctx context.Context, evt *model.WorkflowEvent) error
	Has(ctx context.Context, workflowID string, eventType model.EventType) (bool, error)
	HasWithPayloadField(ctx context.Context, workflowID string, eventType model.EventType, field, value string) (bool, error)
	CountByType(ctx context.Context, workflowID string, eventType model.EventType) (int, error)
}

// DecisionStore persists human-decision requests. *core.DecisionService
// satisfies it.
type DecisionStore interface {
	Create(ctx context.Context, d *model.PendingDecision) error
	GetPending(ctx context.Context, workflowID string) (*model.PendingDecision, error)
	Expire(ctx context.Context, id string) error
	DiscardForWorkflow(ctx context.Context, workflowID string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.PendingDecision, error)
}

// DocumentStore persists document metadata. *core.DocumentService satisfies it.
type DocumentStore interface {
	Create(ctx context.Context, doc *model.Document) error
	Names(ctx context.Context, workflowID string) (map[string]bool, error)
}

// ObjectStore holds the document objects themselves. *docstore.Store
// satisfies it.
type ObjectStore interface {
	Put(ctx context.Context, workflowID, name, contentType string, content []byte) (string, error)
	WriteBundleManifest(ctx context.Context, workflowID string) (string, error)
}

// Deps bundles everything an Engine needs.
type Deps struct {
	Workflows WorkflowStore
	Events    EventStore
	Decisions DecisionStore
	Documents DocumentStore
	Objects   ObjectStore
	Gateway   gateway.Gateway
	Notifier  *Notifier
	Policy    *config.Policy
	WorkerID  string
}

// Engine advances workflow instances and owns the human gatekeeper surface.
type Engine struct {
	logger    zerolog.Logger
	workflows WorkflowStore
	events    EventStore
	decisions DecisionStore
	documents DocumentStore
	objects   ObjectStore
	gateway   gateway.Gateway
	notifier  *Notifier
	policy    *config.Policy
	workerID  string
}

func New(logger zerolog.Logger, deps Deps) *Engine {
	return &Engine{
		logger:    logger.With().Str("component", "engine").Logger(),
		workflows: deps.Workflows,
		events:    deps.Events,
		decisions: deps.Decisions,
		documents: deps.Documents,
		objects:   deps.Objects,
		gateway:   deps.Gateway,
		notifier:  deps.Notifier,
		policy:    deps.Policy,
		workerID:  deps.WorkerID,
	}
}

// Advance claims the instance lease and runs stage handlers until the
// instance suspends, reaches a terminal status, or the per-pass budget is
// spent. Returning without error when the lease is contested is deliberate;
// another worker has the instance.
func (e *Engine) Advance(ctx context.Context, workflowID string) error {
	claimed, err := e.workflows.ClaimLease(ctx, workflowID, e.workerID, e.policy.LeaseDuration)
	if err != nil {
		return fmt.Errorf("advance %s: %w", workflowID, err)
	}
	if !claimed {
		return nil
	}
	defer func() {
		if err := e.workflows.ReleaseLease(context.WithoutCancel(ctx), workflowID, e.workerID); err != nil {
			e.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("release lease failed")
		}
	}()

	for i := 0; i < maxTransitionsPerPass; i++ {
		wf, err := e.workflows.GetByID(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("advance %s: %w", workflowID, err)
		}

		switch wf.Status {
		case model.StatusPending, model.StatusRunning:
		case model.StatusTerminated:
			// Kill switch fired while we held the lease. Drop any outstanding
			// request and walk away without further side effects.
			return e.decisions.DiscardForWorkflow(ctx, workflowID)
		default:
			return nil
		}

		cont, err := e.runStage(ctx, wf)
		if err != nil {
			return fmt.Errorf("advance %s at %s: %w", workflowID, wf.Stage, err)
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// Terminate executes the kill switch and tells the applicant. The underlying
// store call is idempotent; repeat terminations change nothing.
func (e *Engine) Terminate(ctx context.Context, workflowID, reason, actorID string) error {
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	// The store reports whether this call flipped the row, so racing
	// terminations settle on one winner for the notification and the count.
	first, err := e.workflows.Terminate(ctx, workflowID, reason, actorID)
	if err != nil {
		return err
	}
	if err := e.decisions.DiscardForWorkflow(ctx, workflowID); err != nil {
		return err
	}
	if first {
		metrics.CountTermination()
		e.notifier.Notify(ctx, wf, model.EventKillSwitchExecuted, "Your onboarding was terminated: "+reason)
		e.logger.Info().Str("workflow_id", workflowID).Str("reason", reason).Msg("kill switch executed")
	}
	return nil
}

// Resume moves a paused (escalated) instance back to running at its current
// stage. The next engine pass picks it up.
func (e *Engine) Resume(ctx context.Context, workflowID, actorID string) error {
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != model.StatusPaused {
		return fmt.Errorf("resume %s: status is %s: %w", workflowID, wf.Status, core.ErrConflict)
	}

	_, err = e.transition(ctx, wf, core.TransitionParams{
		WorkflowID:   workflowID,
		FromStatuses: []string{model.StatusPaused},
		Status:       model.StatusRunning,
		Event: &model.WorkflowEvent{
			EventType: model.EventWorkflowResumed,
			ActorType: model.ActorUser,
			ActorID:   &actorID,
		},
	})
	return err
}

// transition applies one guarded state transition and derives its
// notification. A transition lost to a concurrent terminate (or another
// racing transition) is swallowed: the loser must go quiet, not error.
func (e *Engine) transition(ctx context.Context, wf *model.WorkflowInstance, p core.TransitionParams) (bool, error) {
	err := e.workflows.Transition(ctx, p)
	if errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrWorkflowInactive) {
		e.logger.Info().Str("workflow_id", p.WorkflowID).Str("to", p.Status).
			Msg("transition lost to concurrent state change")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if p.Stage != 0 && p.Stage != wf.Stage {
		metrics.CountStageAdvance(wf.Stage.String())
	}
	e.notifier.NotifyEvent(ctx, wf, p.Event.EventType)
	return true, nil
}

// append writes a mid-stage event and derives its notification. Append
// failures against a terminated instance are swallowed the same way lost
// transitions are.
func (e *Engine) append(ctx context.Context, wf *model.WorkflowInstance, evt *model.WorkflowEvent) (bool, error) {
	evt.WorkflowID = wf.ID
	err := e.events.Append(ctx, evt)
	if errors.Is(err, core.ErrWorkflowInactive) {
		e.logger.Info().Str("workflow_id", wf.ID).Str("event_type", string(evt.EventType)).
			Msg("event dropped, workflow no longer active")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.notifier.NotifyEvent(ctx, wf, evt.EventType)
	return true, nil
}

// fail moves the instance to failed with a reason. The workflow_failed event
// carries the reason; the notification tells the applicant what to do next.
func (e *Engine) fail(ctx context.Context, wf *model.WorkflowInstance, reason string) (bool, error) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	ok, err := e.transition(ctx, wf, core.TransitionParams{
		WorkflowID:    wf.ID,
		Status:        model.StatusFailed,
		FailureReason: &reason,
		Event: &model.WorkflowEvent{
			EventType: model.EventWorkflowFailed,
			Payload:   payload,
		},
	})
	if err != nil || !ok {
		return false, err
	}
	e.logger.Warn().Str("workflow_id", wf.ID).Str("reason", reason).Msg("workflow failed")
	return false, nil
}

// escalate pauses the instance for management attention without failing it.
func (e *Engine) escalate(ctx context.Context, wf *model.WorkflowInstance, reason string) (bool, error) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	ok, err := e.transition(ctx, wf, core.TransitionParams{
		WorkflowID: wf.ID,
		Status:     model.StatusPaused,
		Event: &model.WorkflowEvent{
			EventType: model.EventManagementEscalation,
			Payload:   payload,
		},
	})
	if err != nil || !ok {
		return false, err
	}
	metrics.CountEscalation()
	e.logger.Warn().Str("workflow_id", wf.ID).Str("reason", reason).Msg("workflow escalated to management")
	return false, nil
}

// failExhausted handles a spent retry budget: the exhaustion and the
// escalation both go on the log, then the instance fails.
func (e *Engine) failExhausted(ctx context.Context, wf *model.WorkflowInstance, service string, cause error) (bool, error) {
	payload, _ := json.Marshal(map[string]string{"service": service, "error": cause.Error()})
	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventRetriesExhausted,
		Payload:   payload,
	}); err != nil || !ok {
		return false, err
	}
	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventManagementEscalation,
		Payload:   payload,
	}); err != nil || !ok {
		return false, err
	}
	metrics.CountEscalation()
	return e.fail(ctx, wf, fmt.Sprintf("%s unavailable after retries", service))
}

// callExternal runs one gateway call under the service's retry budget with a
// stable idempotency key, then translates terminal failures into workflow
// state. ok=false means the stage must stop here.
func (e *Engine) callExternal(ctx context.Context, wf *model.WorkflowInstance, service string, op func(context.Context) error) (ok bool, cont bool, err error) {
	key := fmt.Sprintf("%s:%d:%s", wf.ID, wf.Stage, service)
	ctx = gateway.WithIdempotencyKey(ctx, key)

	callErr := ExecuteWithRetry(ctx, e.logger, service, e.policy.RetryFor(service), op)
	if callErr == nil {
		return true, true, nil
	}

	var exhausted *RetriesExhaustedError
	if errors.As(callErr, &exhausted) {
		cont, err := e.failExhausted(ctx, wf, service, callErr)
		return false, cont, err
	}

	var permanent *gateway.PermanentError
	var invalid *gateway.InvalidResponseError
	if errors.As(callErr, &permanent) || errors.As(callErr, &invalid) {
		cont, err := e.fail(ctx, wf, fmt.Sprintf("%s rejected the request: %v", service, callErr))
		return false, cont, err
	}

	// Context cancellation or another non-classified failure; leave the
	// instance untouched and let the next pass retry.
	return false, false, callErr
}
