package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/onboarding/internal/api/request"
	"github.com/edvin/onboarding/internal/api/response"
	"github.com/edvin/onboarding/internal/core"
)

type Notification struct {
	svc *core.NotificationService
}

func NewNotification(svc *core.NotificationService) *Notification {
	return &Notification{svc: svc}
}

// ListByApplicant returns an applicant's notifications, newest first.
func (h *Notification) ListByApplicant(w http.ResponseWriter, r *http.Request) {
	applicantID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := request.ParsePagination(r)
	notifications, hasMore, err := h.svc.ListByApplicant(r.Context(), applicantID, p.Limit, p.Cursor)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	nextCursor := ""
	if hasMore && len(notifications) > 0 {
		nextCursor = notifications[len(notifications)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, notifications, nextCursor, hasMore)
}

// MarkRead flips the read flag on a notification.
func (h *Notification) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.MarkRead(r.Context(), id); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "read"})
}
