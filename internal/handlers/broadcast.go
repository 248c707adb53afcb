package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/protocol"
)

// BroadcastView is an open broadcast with its delivery bookkeeping.
type BroadcastView struct {
	models.Message
	Attempts []models.DeliveryAttempt `json:"attempts"`
}

// ListBroadcasts returns broadcasts that still have delivery work open.
func (h *Handler) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	open, err := h.db.ListOpenBroadcasts(r.Context(), protocol.BroadcastOpcodes)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "listing broadcasts failed")
		return
	}

	views := make([]BroadcastView, 0, len(open))
	for i := range open {
		attempts, err := h.db.ListAttempts(r.Context(), open[i].ID)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "listing attempts failed")
			return
		}
		views = append(views, BroadcastView{Message: open[i], Attempts: attempts})
	}
	h.JSON(w, http.StatusOK, views)
}

// IssueBroadcast creates a future-effective broadcast. Without explicit
// targets it addresses every peer, including ones that handshake later.
func (h *Handler) IssueBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Opcode      int         `json:"opcode"`
		EffectiveAt string      `json:"effective_at"`
		Text        string      `json:"text"`
		Targets     []uuid.UUID `json:"targets,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "malformed request")
		return
	}
	effectiveAt, err := time.Parse("2006-01-02", req.EffectiveAt)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "effective_at must be a YYYY-MM-DD date")
		return
	}

	msg, err := h.broadcaster.Issue(r.Context(), req.Opcode, effectiveAt, req.Text, req.Targets)
	if err != nil {
		h.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

// CancelBroadcast withdraws pending deliveries of a broadcast. Targets in
// the body narrow the cancellation; an empty body cancels everywhere.
func (h *Handler) CancelBroadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Targets []uuid.UUID `json:"targets,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.Error(w, http.StatusBadRequest, "malformed request")
			return
		}
	}

	removed, err := h.broadcaster.Cancel(r.Context(), id, req.Targets)
	if err != nil {
		h.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, map[string]int{"removed": removed})
}
