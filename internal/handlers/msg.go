package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/grafioschtrader/gtnet/internal/api/middleware"
	"github.com/grafioschtrader/gtnet/internal/protocol"
)

// PostMessage receives one protocol envelope from an authenticated peer and
// returns the synchronous reply, if the opcode produces one.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	peer := middleware.PeerFromContext(r.Context())
	if peer == nil {
		h.ProtocolError(w, protocol.Validationf("no authenticated peer"))
		return
	}

	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.ProtocolError(w, protocol.Validationf("malformed envelope: %v", err))
		return
	}
	if env.Opcode == protocol.OpHandshake {
		h.ProtocolError(w, protocol.Validationf("handshake has its own endpoint"))
		return
	}

	reply, perr := h.dispatcher.Dispatch(r.Context(), peer, &env)
	if perr != nil {
		h.ProtocolError(w, perr)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.JSON(w, http.StatusOK, reply)
}

// Handshake receives a first-contact envelope. It is the only peer-facing
// endpoint without bearer authentication.
func (h *Handler) Handshake(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.ProtocolError(w, protocol.Validationf("malformed envelope: %v", err))
		return
	}
	if env.Opcode != protocol.OpHandshake {
		h.ProtocolError(w, protocol.Validationf("expected a handshake envelope"))
		return
	}

	reply, perr := h.dispatcher.Dispatch(r.Context(), nil, &env)
	if perr != nil {
		h.ProtocolError(w, perr)
		return
	}
	h.JSON(w, http.StatusOK, reply)
}
