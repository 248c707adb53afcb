package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/rules"
)

// ListRules returns the answer rules for one request opcode, in evaluation
// order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	opcode := queryInt(r, "opcode", 0)
	if opcode == 0 {
		h.Error(w, http.StatusBadRequest, "opcode query parameter is required")
		return
	}

	list, err := h.db.ListAnswerRules(r.Context(), opcode)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "listing rules failed")
		return
	}
	h.JSON(w, http.StatusOK, list)
}

// SaveRule creates or updates an answer rule. The condition is syntax
// checked before anything is stored.
func (h *Handler) SaveRule(w http.ResponseWriter, r *http.Request) {
	var rule models.AnswerRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.Error(w, http.StatusBadRequest, "malformed rule")
		return
	}

	if err := h.rules.Save(r.Context(), &rule); err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			h.Error(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		h.Error(w, http.StatusInternalServerError, "saving rule failed")
		return
	}
	h.JSON(w, http.StatusCreated, rule)
}

// DeleteRule removes an answer rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	if err := h.db.DeleteAnswerRule(r.Context(), id); err != nil {
		h.Error(w, http.StatusInternalServerError, "deleting rule failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
