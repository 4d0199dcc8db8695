package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/gateway"
	"github.com/edvin/onboarding/internal/model"
	"github.com/edvin/onboarding/internal/platform"
)

// fakeStore is an in-memory stand-in for the core services, preserving their
// semantics: guarded transitions, the append-only terminated-instance guard,
// the single-pending-decision constraint, and lease exclusivity.
type fakeStore struct {
	mu            sync.Mutex
	workflows     map[string]*model.WorkflowInstance
	events        []model.WorkflowEvent
	decisions     map[string]*model.PendingDecision
	notifications []model.Notification
	documents     map[string]map[string]model.Document
	objects       map[string][]byte
	seq           int64

	// transitionErr makes the next Transition calls fail, simulating a lost
	// commit.
	transitionErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows: make(map[string]*model.WorkflowInstance),
		decisions: make(map[string]*model.PendingDecision),
		documents: make(map[string]map[string]model.Document),
		objects:   make(map[string][]byte),
	}
}

// createWorkflow mirrors core.WorkflowService.Create.
func (f *fakeStore) createWorkflow(applicantID string, businessType, leadID *string, metadata json.RawMessage) *model.WorkflowInstance {
	f.mu.Lock()
	defer f.mu.Unlock()

	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	wf := &model.WorkflowInstance{
		ID:           platform.NewName("wf"),
		ApplicantID:  applicantID,
		BusinessType: businessType,
		LeadID:       leadID,
		Status:       model.StatusPending,
		Stage:        model.StageBusinessTypeDetermination,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	f.workflows[wf.ID] = wf
	f.appendLocked(&model.WorkflowEvent{
		WorkflowID: wf.ID,
		EventType:  model.EventWorkflowStarted,
		ActorType:  model.ActorPlatform,
	})
	return wf
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*model.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *wf
	return &copied, nil
}

func (f *fakeStore) ListRunnable(_ context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, wf := range f.workflows {
		if len(ids) >= limit {
			break
		}
		if wf.Status == model.StatusPending || wf.Status == model.StatusRunning {
			if wf.LockedUntil == nil || wf.LockedUntil.Before(time.Now()) {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (f *fakeStore) ClaimLease(_ context.Context, id, workerID string, duration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return false, nil
	}
	switch wf.Status {
	case model.StatusPending, model.StatusRunning, model.StatusAwaitingHuman:
	default:
		return false, nil
	}
	if wf.LockedUntil != nil && wf.LockedUntil.After(time.Now()) && (wf.LockedBy == nil || *wf.LockedBy != workerID) {
		return false, nil
	}
	until := time.Now().Add(duration)
	wf.LockedBy = &workerID
	wf.LockedUntil = &until
	return true, nil
}

func (f *fakeStore) ReleaseLease(_ context.Context, id, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if ok && wf.LockedBy != nil && *wf.LockedBy == workerID {
		wf.LockedBy = nil
		wf.LockedUntil = nil
	}
	return nil
}

func (f *fakeStore) Transition(_ context.Context, p core.TransitionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.transitionErr != nil {
		return f.transitionErr
	}

	wf, ok := f.workflows[p.WorkflowID]
	if !ok {
		return core.ErrConflict
	}
	if len(p.FromStatuses) > 0 {
		matched := false
		for _, s := range p.FromStatuses {
			if wf.Status == s {
				matched = true
			}
		}
		if !matched {
			return core.ErrConflict
		}
	} else if wf.Status == model.StatusTerminated {
		return core.ErrConflict
	}

	wf.Status = p.Status
	if p.Stage != 0 {
		wf.Stage = p.Stage
	}
	if p.BusinessType != nil {
		wf.BusinessType = p.BusinessType
	}
	if p.LeadID != nil {
		wf.LeadID = p.LeadID
	}
	if p.FailureReason != nil {
		wf.FailureReason = p.FailureReason
	}
	wf.UpdatedAt = time.Now()

	p.Event.WorkflowID = p.WorkflowID
	if err := f.appendLocked(p.Event); err != nil {
		return err
	}
	if p.CompleteDecisionID != "" {
		if d, ok := f.decisions[p.CompleteDecisionID]; ok && d.Status == model.DecisionPending {
			now := time.Now()
			d.Status = model.DecisionCompleted
			d.ResolvedAt = &now
		}
	}
	return nil
}

func (f *fakeStore) Terminate(_ context.Context, id, reason, actorID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return false, core.ErrNotFound
	}
	if wf.Status == model.StatusTerminated {
		return false, nil
	}
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	if err := f.appendLocked(&model.WorkflowEvent{
		WorkflowID: id,
		EventType:  model.EventKillSwitchExecuted,
		Payload:    payload,
		ActorType:  model.ActorUser,
		ActorID:    &actorID,
	}); err != nil {
		return false, err
	}
	wf.Status = model.StatusTerminated
	wf.FailureReason = &reason
	wf.LockedBy = nil
	wf.LockedUntil = nil
	return true, nil
}

func (f *fakeStore) appendLocked(evt *model.WorkflowEvent) error {
	wf, ok := f.workflows[evt.WorkflowID]
	if !ok {
		return core.ErrWorkflowInactive
	}
	if wf.Status == model.StatusTerminated && evt.EventType != model.EventKillSwitchExecuted {
		return core.ErrWorkflowInactive
	}
	if !evt.EventType.Valid() {
		return fmt.Errorf("unregistered event type %q", evt.EventType)
	}
	if evt.Payload == nil {
		evt.Payload = json.RawMessage("{}")
	}
	if evt.ActorType == "" {
		actor, err := evt.EventType.DefaultActor()
		if err != nil {
			return err
		}
		evt.ActorType = actor
	}
	f.seq++
	evt.ID = platform.NewID()
	evt.Seq = f.seq
	evt.CreatedAt = time.Now()
	f.events = append(f.events, *evt)
	return nil
}

func (f *fakeStore) Append(_ context.Context, evt *model.WorkflowEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(evt)
}

func (f *fakeStore) Has(_ context.Context, workflowID string, eventType model.EventType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, evt := range f.events {
		if evt.WorkflowID == workflowID && evt.EventType == eventType {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) HasWithPayloadField(_ context.Context, workflowID string, eventType model.EventType, field, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, evt := range f.events {
		if evt.WorkflowID != workflowID || evt.EventType != eventType {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			continue
		}
		if v, ok := payload[field]; ok && fmt.Sprint(v) == value {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CountByType(_ context.Context, workflowID string, eventType model.EventType) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, evt := range f.events {
		if evt.WorkflowID == workflowID && evt.EventType == eventType {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) eventTypes(workflowID string) []model.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []model.EventType
	for _, evt := range f.events {
		if evt.WorkflowID == workflowID {
			types = append(types, evt.EventType)
		}
	}
	return types
}

func (f *fakeStore) Create(_ context.Context, d *model.PendingDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.decisions {
		if existing.WorkflowID == d.WorkflowID && existing.Status == model.DecisionPending {
			return core.ErrDecisionOutstanding
		}
	}
	d.ID = platform.NewName("dec")
	d.Status = model.DecisionPending
	d.RequestedAt = time.Now()
	if d.Payload == nil {
		d.Payload = json.RawMessage("{}")
	}
	copied := *d
	f.decisions[d.ID] = &copied
	return nil
}

func (f *fakeStore) GetPending(_ context.Context, workflowID string) (*model.PendingDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.decisions {
		if d.WorkflowID == workflowID && d.Status == model.DecisionPending {
			copied := *d
			return &copied, nil
		}
	}
	return nil, core.ErrNoPendingDecision
}

func (f *fakeStore) resolveDecision(id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decisions[id]
	if !ok || d.Status != model.DecisionPending {
		return core.ErrNoPendingDecision
	}
	now := time.Now()
	d.Status = status
	d.ResolvedAt = &now
	return nil
}

func (f *fakeStore) Expire(_ context.Context, id string) error {
	return f.resolveDecision(id, model.DecisionExpired)
}

func (f *fakeStore) DiscardForWorkflow(_ context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.decisions {
		if d.WorkflowID == workflowID && d.Status == model.DecisionPending {
			now := time.Now()
			d.Status = model.DecisionDiscarded
			d.ResolvedAt = &now
		}
	}
	return nil
}

func (f *fakeStore) ListExpired(_ context.Context, now time.Time, limit int) ([]model.PendingDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []model.PendingDecision
	for _, d := range f.decisions {
		if len(expired) >= limit {
			break
		}
		if d.Status == model.DecisionPending && d.Deadline.Before(now) {
			expired = append(expired, *d)
		}
	}
	return expired, nil
}

// CreateDocument / CreateNotification naming clash: the engine's
// DocumentStore and NotificationStore both expose Create, so the fake is
// split into views.

type fakeDocuments struct{ store *fakeStore }

func (f fakeDocuments) Create(_ context.Context, doc *model.Document) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	doc.ID = platform.NewName("doc")
	doc.CreatedAt = time.Now()
	byName := f.store.documents[doc.WorkflowID]
	if byName == nil {
		byName = make(map[string]model.Document)
		f.store.documents[doc.WorkflowID] = byName
	}
	byName[doc.Name] = *doc
	return nil
}

func (f fakeDocuments) Names(_ context.Context, workflowID string) (map[string]bool, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	names := make(map[string]bool)
	for name := range f.store.documents[workflowID] {
		names[name] = true
	}
	return names, nil
}

type fakeNotifications struct{ store *fakeStore }

func (f fakeNotifications) Create(_ context.Context, n *model.Notification) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	n.ID = platform.NewName("ntf")
	n.CreatedAt = time.Now()
	f.store.notifications = append(f.store.notifications, *n)
	return nil
}

type fakeObjects struct{ store *fakeStore }

func (f fakeObjects) Put(_ context.Context, workflowID, name, _ string, content []byte) (string, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	key := fmt.Sprintf("workflows/%s/%s", workflowID, name)
	f.store.objects[key] = content
	return key, nil
}

func (f fakeObjects) WriteBundleManifest(_ context.Context, workflowID string) (string, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	key := fmt.Sprintf("bundles/%s/manifest.json", workflowID)
	f.store.objects[key] = []byte("{}")
	return key, nil
}

// fakeGateway returns canned responses, overridable per test.
type fakeGateway struct {
	quote       func(ctx context.Context, leadID string) (*gateway.Quote, error)
	mandate     func(ctx context.Context, applicantID string) (*gateway.MandateResult, error)
	sanctions   func(ctx context.Context, applicantID string) (*gateway.SanctionsResult, error)
	procurement func(ctx context.Context, applicantID string) (*gateway.ProcurementResult, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		quote: func(context.Context, string) (*gateway.Quote, error) {
			return &gateway.Quote{QuoteID: "q-1", Amount: 1000, Terms: "net 30"}, nil
		},
		mandate: func(context.Context, string) (*gateway.MandateResult, error) {
			return &gateway.MandateResult{MandateID: "m-1", Verified: true}, nil
		},
		sanctions: func(context.Context, string) (*gateway.SanctionsResult, error) {
			return &gateway.SanctionsResult{Clear: true, Reference: "scr-1"}, nil
		},
		procurement: func(context.Context, string) (*gateway.ProcurementResult, error) {
			return &gateway.ProcurementResult{Eligible: true, Reference: "prc-1"}, nil
		},
	}
}

func (g *fakeGateway) Quote(ctx context.Context, leadID string) (*gateway.Quote, error) {
	return g.quote(ctx, leadID)
}

func (g *fakeGateway) VerifyMandate(ctx context.Context, applicantID string) (*gateway.MandateResult, error) {
	return g.mandate(ctx, applicantID)
}

func (g *fakeGateway) CheckSanctions(ctx context.Context, applicantID string) (*gateway.SanctionsResult, error) {
	return g.sanctions(ctx, applicantID)
}

func (g *fakeGateway) CheckProcurement(ctx context.Context, applicantID string) (*gateway.ProcurementResult, error) {
	return g.procurement(ctx, applicantID)
}
