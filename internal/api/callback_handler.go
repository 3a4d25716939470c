package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
)

// Callback принимает результат узла, адресованный парой run_id + node_id.
// POST /api/v1/callbacks
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.RunID == uuid.Nil || req.NodeID == "" {
		BadRequest(w, "run_id and node_id are required")
		return
	}

	if err := h.orch.HandleCallback(r.Context(), req.toResult()); HandleError(w, h.log(r), err) {
		return
	}

	NoContent(w)
}

// CallbackByID принимает результат узла, адресованный callback id из задачи.
// POST /api/v1/callbacks/{callbackID}
func (h *Handler) CallbackByID(w http.ResponseWriter, r *http.Request) {
	id := domain.CallbackID(chi.URLParam(r, "callbackID"))

	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := h.orch.HandleCallbackID(r.Context(), id, req.toResult()); HandleError(w, h.log(r), err) {
		return
	}

	NoContent(w)
}
