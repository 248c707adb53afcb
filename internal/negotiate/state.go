// Package negotiate maintains the per-(peer, data kind) acceptance and
// availability state. Every transition re-reads the persisted EntityConfig;
// no negotiation state is held in memory between peer calls.
package negotiate

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// Manager applies negotiation transitions to EntityConfig rows.
type Manager struct {
	db             store.DataStore
	logger         zerolog.Logger
	defaultMaxInst int
}

// NewManager creates a negotiation manager. defaultMaxInst is the
// per-request instrument cap applied to configs created on first accept.
func NewManager(db store.DataStore, logger zerolog.Logger, defaultMaxInst int) *Manager {
	return &Manager{db: db, logger: logger, defaultMaxInst: defaultMaxInst}
}

// ApplyAccept opens the kind at the requested acceptance level, creating the
// EntityConfig on first accept. A kind already at PUSH_OPEN never downgrades
// to OPEN, whatever the fresh accept carries.
func (m *Manager) ApplyAccept(ctx context.Context, peerID uuid.UUID, kind models.EntityKind, accept models.AcceptRequestType) error {
	cfg, err := m.db.GetEntityConfig(ctx, peerID, kind)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &models.EntityConfig{
			PeerID:         peerID,
			Kind:           kind,
			AcceptRequest:  models.AcceptClosed,
			ServerState:    models.StateClosed,
			MaxInstruments: m.defaultMaxInst,
		}
	}
	if accept == models.AcceptClosed {
		accept = models.AcceptOpen
	}
	if cfg.AcceptRequest != models.AcceptPushOpen {
		cfg.AcceptRequest = accept
	}
	cfg.ServerState = models.StateOpen
	cfg.ExchangeEnabled = true

	m.logger.Info().
		Str("peer_id", peerID.String()).
		Str("kind", string(kind)).
		Str("accept", string(cfg.AcceptRequest)).
		Msg("exchange accepted")
	return m.db.SaveEntityConfig(ctx, cfg)
}

// ApplyReject closes the kind after a reject response or a revoke
// announcement. The config row is kept (or created closed) so the rejection
// is recorded; it is never deleted.
func (m *Manager) ApplyReject(ctx context.Context, peerID uuid.UUID, kind models.EntityKind) error {
	cfg, err := m.db.GetEntityConfig(ctx, peerID, kind)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &models.EntityConfig{
			PeerID:         peerID,
			Kind:           kind,
			MaxInstruments: m.defaultMaxInst,
		}
	}
	cfg.AcceptRequest = models.AcceptClosed
	cfg.ServerState = models.StateClosed
	cfg.ExchangeEnabled = false

	m.logger.Info().
		Str("peer_id", peerID.String()).
		Str("kind", string(kind)).
		Msg("exchange closed")
	return m.db.SaveEntityConfig(ctx, cfg)
}

// SetBusy toggles availability across all configured kinds. Busy is a
// temporary capacity signal, not a renegotiation: acceptance levels stay
// untouched and flip back on release.
func (m *Manager) SetBusy(ctx context.Context, peerID uuid.UUID, busy bool) error {
	configs, err := m.db.ListEntityConfigs(ctx, peerID)
	if err != nil {
		return err
	}
	state := models.StateOpen
	if busy {
		state = models.StateClosed
	}
	for i := range configs {
		configs[i].ServerState = state
		if err := m.db.SaveEntityConfig(ctx, &configs[i]); err != nil {
			return err
		}
	}
	return nil
}

// SetAvailability sets the server state for every kind whose acceptance is
// currently negotiated (non-CLOSED), preserving that acceptance across
// planned or unplanned downtime. Used for maintenance, online and offline
// announcements.
func (m *Manager) SetAvailability(ctx context.Context, peerID uuid.UUID, state models.ServerState) error {
	configs, err := m.db.ListEntityConfigs(ctx, peerID)
	if err != nil {
		return err
	}
	for i := range configs {
		if !configs[i].Negotiated() {
			continue
		}
		configs[i].ServerState = state
		if err := m.db.SaveEntityConfig(ctx, &configs[i]); err != nil {
			return err
		}
	}
	return nil
}
