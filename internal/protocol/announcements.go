package protocol

import (
	"context"
	"time"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/negotiate"
)

// AnnouncementHandlers applies one-way notices from peers to the local
// negotiation state. Announcements never reply.
type AnnouncementHandlers struct {
	defaultMaxInst int
}

func NewAnnouncementHandlers(deps Deps) *AnnouncementHandlers {
	return &AnnouncementHandlers{defaultMaxInst: deps.DefaultMaxInstruments}
}

func (h *AnnouncementHandlers) HandleAnnouncement(ctx context.Context, c *Call) error {
	mgr := negotiate.NewManager(c.DB, c.Logger, h.defaultMaxInst)

	switch c.Env.Opcode {
	case OpRevoke:
		return h.revoke(ctx, c, mgr)

	case OpBusy:
		return mgr.SetBusy(ctx, c.Peer.ID, true)
	case OpReleasedBusy:
		return mgr.SetBusy(ctx, c.Peer.ID, false)

	case OpMaintenance:
		return mgr.SetAvailability(ctx, c.Peer.ID, models.StateMaintenance)
	case OpOnline:
		return mgr.SetAvailability(ctx, c.Peer.ID, models.StateOpen)
	case OpOffline:
		return mgr.SetAvailability(ctx, c.Peer.ID, models.StateClosed)

	case OpDiscontinue:
		c.Logger.Warn().Time("effective_at", effectiveAt(c.In)).
			Msg("peer announced it will discontinue federation")
		return nil
	case OpMaintenanceScheduled:
		c.Logger.Info().Time("effective_at", effectiveAt(c.In)).
			Msg("peer scheduled a maintenance window")
		return nil

	default:
		return Validationf("opcode %d is not an announcement", c.Env.Opcode)
	}
}

// revoke withdraws a granted exchange. Without an entity parameter every
// negotiated kind closes. The configuration rows survive for the audit
// trail; only their state changes.
func (h *AnnouncementHandlers) revoke(ctx context.Context, c *Call, mgr *negotiate.Manager) error {
	if entity := c.Env.ParamString("entity"); entity != "" {
		kind, ok := parseKind(entity)
		if !ok {
			return Validationf("unknown entity kind %q", entity)
		}
		return mgr.ApplyReject(ctx, c.Peer.ID, kind)
	}

	configs, err := c.DB.ListEntityConfigs(ctx, c.Peer.ID)
	if err != nil {
		return Processingf("listing entity configs: %v", err)
	}
	for i := range configs {
		if !configs[i].Negotiated() {
			continue
		}
		if err := mgr.ApplyReject(ctx, c.Peer.ID, configs[i].Kind); err != nil {
			return err
		}
	}
	return nil
}

func effectiveAt(msg *models.Message) time.Time {
	if msg.EffectiveAt != nil {
		return *msg.EffectiveAt
	}
	return msg.Timestamp
}
