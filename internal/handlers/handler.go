package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/delivery"
	"github.com/grafioschtrader/gtnet/internal/protocol"
	"github.com/grafioschtrader/gtnet/internal/remote"
	"github.com/grafioschtrader/gtnet/internal/rules"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db          store.DataStore
	redis       *store.RedisStore
	dispatcher  *protocol.Dispatcher
	client      *remote.Client
	broadcaster *delivery.Broadcaster
	rules       *rules.Engine
	logger      zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(db store.DataStore, redis *store.RedisStore, dispatcher *protocol.Dispatcher, client *remote.Client, broadcaster *delivery.Broadcaster, engine *rules.Engine, logger zerolog.Logger) *Handler {
	return &Handler{
		db:          db,
		redis:       redis,
		dispatcher:  dispatcher,
		client:      client,
		broadcaster: broadcaster,
		rules:       engine,
		logger:      logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ProtocolError sends a structured protocol error the way peers expect it.
func (h *Handler) ProtocolError(w http.ResponseWriter, perr *protocol.Error) {
	status := http.StatusInternalServerError
	switch perr.Code {
	case protocol.ErrValidation:
		status = http.StatusBadRequest
	case protocol.ErrUnknownOpcode:
		status = http.StatusUnprocessableEntity
	}
	h.JSON(w, status, map[string]*protocol.Error{"error": perr})
}
