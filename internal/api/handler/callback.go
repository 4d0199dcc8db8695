package handler

import (
	"net/http"

	"github.com/edvin/onboarding/internal/api/request"
	"github.com/edvin/onboarding/internal/api/response"
	"github.com/edvin/onboarding/internal/gateway"
)

type Callback struct {
	engine Orchestrator
}

func NewCallback(engine Orchestrator) *Callback {
	return &Callback{engine: engine}
}

// Quote receives a quote pushed by the quote service. Deliveries are
// idempotent by quote id; a missing quote id or amount is rejected outright.
func (h *Callback) Quote(w http.ResponseWriter, r *http.Request) {
	var req request.QuoteCallback
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	quote := &gateway.Quote{
		QuoteID: req.QuoteID,
		Amount:  req.Amount,
		Terms:   req.Terms,
	}
	if err := h.engine.DeliverQuoteCallback(r.Context(), req.WorkflowID, quote); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
