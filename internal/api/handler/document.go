package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/onboarding/internal/api/request"
	"github.com/edvin/onboarding/internal/api/response"
	"github.com/edvin/onboarding/internal/core"
)

// ObjectGetter fetches stored document content by object key. *docstore.Store
// satisfies it.
type ObjectGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type Document struct {
	svc     *core.DocumentService
	objects ObjectGetter
}

func NewDocument(svc *core.DocumentService, objects ObjectGetter) *Document {
	return &Document{svc: svc, objects: objects}
}

// ListByWorkflow returns the metadata of a workflow's uploaded documents.
func (h *Document) ListByWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	docs, err := h.svc.ListByWorkflow(r.Context(), workflowID)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, docs)
}

// Download streams one document's content back to the caller.
func (h *Document) Download(w http.ResponseWriter, r *http.Request) {
	workflowID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	docID, err := request.RequireID(chi.URLParam(r, "docID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := h.svc.GetByID(r.Context(), workflowID, docID)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	content, err := h.objects.Get(r.Context(), doc.ObjectKey)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Name+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}
