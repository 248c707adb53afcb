package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/negotiate"
	"github.com/grafioschtrader/gtnet/internal/protocol"
)

// PeerView is a peer with its negotiation state for the admin surface.
// Alive is only reported when a liveness cache is configured.
type PeerView struct {
	models.Peer
	RequestViolations int                   `json:"request_violations"`
	LastpriceStatus   string                `json:"lastprice_status,omitempty"`
	Alive             *bool                 `json:"alive,omitempty"`
	Entities          []models.EntityConfig `json:"entities"`
}

// ListPeers returns every known peer with its per-kind negotiation state.
func (h *Handler) ListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := h.db.ListPeers(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "listing peers failed")
		return
	}

	views := make([]PeerView, 0, len(peers))
	for i := range peers {
		view := PeerView{Peer: peers[i]}
		if cfg, err := h.db.GetPeerConfig(r.Context(), peers[i].ID); err == nil && cfg != nil {
			view.RequestViolations = cfg.RequestViolations
			view.LastpriceStatus = cfg.LastpriceStatus
		}
		if entities, err := h.db.ListEntityConfigs(r.Context(), peers[i].ID); err == nil {
			view.Entities = entities
		}
		if h.redis != nil {
			if alive, err := h.redis.IsPeerAlive(r.Context(), peers[i].Domain); err == nil {
				view.Alive = &alive
			}
		}
		views = append(views, view)
	}
	h.JSON(w, http.StatusOK, views)
}

// InitiateHandshake introduces this instance to a new peer domain.
func (h *Handler) InitiateHandshake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		h.Error(w, http.StatusBadRequest, "domain is required")
		return
	}

	peer, err := h.client.Handshake(r.Context(), req.Domain)
	if err != nil {
		h.logger.Warn().Err(err).Str("domain", req.Domain).Msg("handshake failed")
		h.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	h.JSON(w, http.StatusCreated, peer)
}

// RequestExchange asks a peer to open a data exchange.
func (h *Handler) RequestExchange(w http.ResponseWriter, r *http.Request) {
	peer, ok := h.peerFromPath(w, r)
	if !ok {
		return
	}

	var req struct {
		Entity string `json:"entity"`
		Mode   string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "malformed request")
		return
	}

	reply, err := h.client.RequestExchange(r.Context(), peer,
		models.EntityKind(req.Entity), models.AcceptRequestType(req.Mode))
	if err != nil {
		h.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, reply)
}

// SaveEntityConfig tunes the serving limits for one (peer, kind) pair.
func (h *Handler) SaveEntityConfig(w http.ResponseWriter, r *http.Request) {
	peer, ok := h.peerFromPath(w, r)
	if !ok {
		return
	}
	kind := models.EntityKind(chi.URLParam(r, "kind"))

	var req struct {
		MaxInstruments  *int  `json:"max_instruments"`
		ExchangeEnabled *bool `json:"exchange_enabled"`
		DetailLog       *bool `json:"detail_log"`
		Priority        *int  `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "malformed request")
		return
	}

	cfg, err := h.db.GetEntityConfig(r.Context(), peer.ID, kind)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "config lookup failed")
		return
	}
	if cfg == nil {
		cfg = &models.EntityConfig{
			PeerID:        peer.ID,
			Kind:          kind,
			AcceptRequest: models.AcceptClosed,
			ServerState:   models.StateClosed,
		}
	}
	if req.MaxInstruments != nil {
		cfg.MaxInstruments = *req.MaxInstruments
	}
	if req.ExchangeEnabled != nil {
		cfg.ExchangeEnabled = *req.ExchangeEnabled
	}
	if req.DetailLog != nil {
		cfg.DetailLog = *req.DetailLog
	}
	if req.Priority != nil {
		cfg.Priority = *req.Priority
	}

	if err := h.db.SaveEntityConfig(r.Context(), cfg); err != nil {
		h.Error(w, http.StatusInternalServerError, "saving config failed")
		return
	}
	h.JSON(w, http.StatusOK, cfg)
}

// RevokePeer withdraws a granted exchange locally and notifies the peer.
func (h *Handler) RevokePeer(w http.ResponseWriter, r *http.Request) {
	peer, ok := h.peerFromPath(w, r)
	if !ok {
		return
	}

	var req struct {
		Entity string `json:"entity"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.Error(w, http.StatusBadRequest, "malformed request")
			return
		}
	}

	mgr := negotiate.NewManager(h.db, h.logger, 0)
	if req.Entity != "" {
		if err := mgr.ApplyReject(r.Context(), peer.ID, models.EntityKind(req.Entity)); err != nil {
			h.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		configs, err := h.db.ListEntityConfigs(r.Context(), peer.ID)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		for i := range configs {
			if !configs[i].Negotiated() {
				continue
			}
			if err := mgr.ApplyReject(r.Context(), peer.ID, configs[i].Kind); err != nil {
				h.Error(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}

	env := protocol.NewEnvelope(protocol.OpRevoke)
	if req.Entity != "" {
		env.SetString("entity", req.Entity)
	}
	if _, err := h.client.Call(r.Context(), peer, env); err != nil {
		// Local state already changed; the wire notice rides on the next
		// successful call if this one failed.
		h.logger.Warn().Err(err).Str("peer", peer.Domain).Msg("revoke notice not delivered")
	}
	w.WriteHeader(http.StatusNoContent)
}

// Announce sends an availability announcement to every known peer.
func (h *Handler) Announce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Opcode int    `json:"opcode"`
		Entity string `json:"entity,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "malformed request")
		return
	}
	if category, ok := protocol.CategoryOf(req.Opcode); !ok || category != protocol.CategoryAnnouncement {
		h.Error(w, http.StatusBadRequest, "opcode is not an announcement")
		return
	}

	peers, err := h.db.ListPeers(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "listing peers failed")
		return
	}

	notified := 0
	for i := range peers {
		env := protocol.NewEnvelope(req.Opcode)
		if req.Entity != "" {
			env.SetString("entity", req.Entity)
		}
		if _, err := h.client.Call(r.Context(), &peers[i], env); err != nil {
			h.logger.Warn().Err(err).Str("peer", peers[i].Domain).
				Str("opcode", protocol.OpcodeName(req.Opcode)).Msg("announcement not delivered")
			continue
		}
		notified++
	}
	h.JSON(w, http.StatusOK, map[string]int{"notified": notified, "peers": len(peers)})
}

func (h *Handler) peerFromPath(w http.ResponseWriter, r *http.Request) (*models.Peer, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid peer id")
		return nil, false
	}
	peer, err := h.db.GetPeerByID(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "peer lookup failed")
		return nil, false
	}
	if peer == nil {
		h.Error(w, http.StatusNotFound, "peer not found")
		return nil, false
	}
	return peer, true
}
