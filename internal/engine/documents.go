package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/model"
)

// SubmitDocument stores an uploaded document and records its receipt. When
// the upload completes the required set, the outstanding document_upload
// request resolves and the instance goes back on the runnable path for
// aggregation.
func (e *Engine) SubmitDocument(ctx context.Context, workflowID, name, contentType string, content []byte, actorID string) (*model.Document, error) {
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Terminal() {
		return nil, fmt.Errorf("submit document to %s: %w", workflowID, core.ErrWorkflowInactive)
	}

	key, err := e.objects.Put(ctx, workflowID, name, contentType, content)
	if err != nil {
		return nil, fmt.Errorf("store document %s: %w", name, err)
	}

	doc := &model.Document{
		WorkflowID:  workflowID,
		Name:        name,
		ContentType: contentType,
		ObjectKey:   key,
		SizeBytes:   int64(len(content)),
	}
	if err := e.documents.Create(ctx, doc); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"name": name, "object_key": key})
	if ok, err := e.append(ctx, wf, &model.WorkflowEvent{
		EventType: model.EventDocumentReceived,
		Payload:   payload,
		ActorType: model.ActorUser,
		ActorID:   &actorID,
	}); err != nil || !ok {
		return doc, err
	}

	businessType := ""
	if wf.BusinessType != nil {
		businessType = *wf.BusinessType
	}
	present, err := e.documents.Names(ctx, workflowID)
	if err != nil {
		return doc, err
	}
	for _, required := range model.RequiredDocuments(businessType) {
		if !present[required] {
			return doc, nil
		}
	}

	pending, err := e.decisions.GetPending(ctx, workflowID)
	if err != nil || pending.Kind != model.DecisionDocumentUpload {
		return doc, nil
	}
	// The resume transition resolves the upload request in the same
	// transaction, so the set-complete check can always be re-run.
	_, err = e.transition(ctx, wf, core.TransitionParams{
		WorkflowID:         workflowID,
		FromStatuses:       []string{model.StatusAwaitingHuman},
		Status:             model.StatusRunning,
		CompleteDecisionID: pending.ID,
		Event: &model.WorkflowEvent{
			EventType: model.EventHumanDecisionReceived,
			Payload:   payload,
			ActorType: model.ActorUser,
			ActorID:   &actorID,
		},
	})
	return doc, err
}
