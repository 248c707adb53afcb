package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/protocol"
)

// MessageView is a stored message with its derived deletable flag.
type MessageView struct {
	models.Message
	Deletable bool `json:"deletable"`
}

// ListMessages returns the message log, newest first. Admin-only entries
// are included only when requested.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	includeAdmin := r.URL.Query().Get("admin") == "true"
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	messages, err := h.db.ListMessages(r.Context(), includeAdmin, limit, offset)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "listing messages failed")
		return
	}

	views := make([]MessageView, 0, len(messages))
	for i := range messages {
		deletable, err := protocol.Deletable(r.Context(), h.db, &messages[i])
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "deriving deletable flag failed")
			return
		}
		views = append(views, MessageView{Message: messages[i], Deletable: deletable})
	}
	h.JSON(w, http.StatusOK, views)
}

// MarkRead flags a message as read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := h.db.GetMessage(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "message lookup failed")
		return
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}
	if err := h.db.MarkMessageRead(r.Context(), id); err != nil {
		h.Error(w, http.StatusInternalServerError, "marking read failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteMessage removes a message once its deletable condition holds.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := protocol.DeleteIfAllowed(r.Context(), h.db, id); err != nil {
		if perr, ok := err.(*protocol.Error); ok && perr.Code == protocol.ErrValidation {
			h.Error(w, http.StatusConflict, perr.Message)
			return
		}
		h.Error(w, http.StatusInternalServerError, "deleting message failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
