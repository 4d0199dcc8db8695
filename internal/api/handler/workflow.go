package handler

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/onboarding/internal/api/request"
	"github.com/edvin/onboarding/internal/api/response"
	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/gateway"
	"github.com/edvin/onboarding/internal/model"
)

// Orchestrator is the engine surface the handlers drive. *engine.Engine
// satisfies it.
type Orchestrator interface {
	Terminate(ctx context.Context, workflowID, reason, actorID string) error
	Resume(ctx context.Context, workflowID, actorID string) error
	Deliver(ctx context.Context, workflowID string, decision model.Decision) error
	DeliverQuoteCallback(ctx context.Context, workflowID string, quote *gateway.Quote) error
	SubmitDocument(ctx context.Context, workflowID, name, contentType string, content []byte, actorID string) (*model.Document, error)
}

type Workflow struct {
	svc    *core.WorkflowService
	events *core.EventService
	engine Orchestrator
}

func NewWorkflow(svc *core.WorkflowService, events *core.EventService, engine Orchestrator) *Workflow {
	return &Workflow{svc: svc, events: events, engine: engine}
}

// Create triggers a new onboarding workflow for an applicant. The instance
// starts at business type determination; a worker picks it up from there.
func (h *Workflow) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateWorkflow
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	wf := &model.WorkflowInstance{
		ApplicantID: req.ApplicantID,
		Metadata:    req.Metadata,
	}
	if req.BusinessType != "" {
		wf.BusinessType = &req.BusinessType
	}
	if req.LeadID != "" {
		wf.LeadID = &req.LeadID
	}

	if err := h.svc.Create(r.Context(), wf); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, wf)
}

// List returns workflows, optionally filtered by status or applicant.
func (h *Workflow) List(w http.ResponseWriter, r *http.Request) {
	p := request.ParsePagination(r)
	filters := core.WorkflowFilters{
		Status:      r.URL.Query().Get("status"),
		ApplicantID: r.URL.Query().Get("applicant_id"),
	}

	workflows, hasMore, err := h.svc.List(r.Context(), filters, p.Limit, p.Cursor)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	nextCursor := ""
	if hasMore && len(workflows) > 0 {
		nextCursor = workflows[len(workflows)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, workflows, nextCursor, hasMore)
}

func (h *Workflow) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	wf, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, wf)
}

// Events returns the workflow's audit log in append order.
func (h *Workflow) Events(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := request.ParsePagination(r)
	events, hasMore, err := h.events.ListByWorkflow(r.Context(), id, p.Limit, p.Cursor)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	nextCursor := ""
	if hasMore && len(events) > 0 {
		nextCursor = events[len(events)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, events, nextCursor, hasMore)
}

// Terminate executes the kill switch on a workflow.
func (h *Workflow) Terminate(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.Terminate
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.Terminate(r.Context(), id, req.Reason, req.ActorID); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]string{"status": model.StatusTerminated})
}

// Resume puts a paused (escalated) workflow back on the runnable path.
func (h *Workflow) Resume(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.Resume
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.Resume(r.Context(), id, req.ActorID); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]string{"status": model.StatusRunning})
}

// Deliver feeds a human decision into a suspended workflow.
func (h *Workflow) Deliver(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.DeliverDecision
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision := model.Decision{
		Kind:     req.Kind,
		Approved: req.Approved,
		Comment:  req.Comment,
		ActorID:  req.ActorID,
		Payload:  req.Payload,
	}
	if err := h.engine.Deliver(r.Context(), id, decision); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "delivered"})
}

// UploadDocument stores one applicant document against the workflow.
func (h *Workflow) UploadDocument(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.UploadDocument
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	content, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, "data is not valid base64")
		return
	}

	doc, err := h.engine.SubmitDocument(r.Context(), id, req.Name, req.ContentType, content, req.ActorID)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, doc)
}
