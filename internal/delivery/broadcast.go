// Package delivery tracks which peers have received future-effective
// broadcasts and re-drives the unsent ones.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/protocol"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// Broadcaster issues broadcast announcements and manages their delivery
// bookkeeping. Each target gets at most one attempt row; the row flips to
// sent exactly once and is removed on cancellation only while unsent.
type Broadcaster struct {
	db     store.DataStore
	logger zerolog.Logger
}

func NewBroadcaster(db store.DataStore, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{db: db, logger: logger}
}

// Issue persists a broadcast and one unsent attempt per target. With no
// explicit targets the broadcast addresses every peer, including peers that
// handshake after it was issued; the retry scan creates their attempts
// lazily.
func (b *Broadcaster) Issue(ctx context.Context, opcode int, effectiveAt time.Time, text string, targets []uuid.UUID) (*models.Message, error) {
	if !isBroadcast(opcode) {
		return nil, fmt.Errorf("opcode %d is not a broadcast announcement", opcode)
	}
	if effectiveAt.Before(time.Now()) {
		return nil, fmt.Errorf("broadcast effective time is in the past")
	}

	scope := "all"
	if len(targets) > 0 {
		scope = "selected"
	}

	msg := &models.Message{
		ID:        ulid.Make().String(),
		Timestamp: time.Now(),
		Direction: models.DirSend,
		Opcode:    opcode,
		Text:      text,
		Params: map[string]models.ParamValue{
			"effectiveAt": {Type: "date", Value: effectiveAt.Format("2006-01-02")},
			"broadcast":   {Type: "string", Value: scope},
		},
		Status:      models.DeliveryPending,
		Visibility:  models.VisAllUsers,
		EffectiveAt: &effectiveAt,
	}

	err := b.db.Atomic(ctx, func(ctx context.Context, tx store.DataStore) error {
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		ids := targets
		if len(ids) == 0 {
			peers, err := tx.ListPeers(ctx)
			if err != nil {
				return err
			}
			for i := range peers {
				ids = append(ids, peers[i].ID)
			}
		}
		for _, id := range ids {
			if err := tx.CreateDeliveryAttempt(ctx, msg.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info().Str("message", msg.ID).Str("opcode", protocol.OpcodeName(opcode)).
		Str("scope", scope).Time("effective_at", effectiveAt).Msg("broadcast issued")
	return msg, nil
}

// Cancel withdraws a broadcast for the given targets, or for everyone when
// none are named. Only unsent attempts disappear; peers already notified
// keep their audit row. The removed count is returned.
func (b *Broadcaster) Cancel(ctx context.Context, messageID string, targets []uuid.UUID) (int, error) {
	removed := 0
	err := b.db.Atomic(ctx, func(ctx context.Context, tx store.DataStore) error {
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("message %s not found", messageID)
		}
		if !isBroadcast(msg.Opcode) {
			return fmt.Errorf("message %s is not a broadcast", messageID)
		}

		ids := targets
		if len(ids) == 0 {
			attempts, err := tx.ListAttempts(ctx, messageID)
			if err != nil {
				return err
			}
			for i := range attempts {
				ids = append(ids, attempts[i].PeerID)
			}
		}
		removed, err = tx.DeleteUnsentAttempts(ctx, messageID, ids)
		if err != nil {
			return err
		}

		// A full cancellation also stops the lazy attempt creation for
		// late-joining peers.
		if len(targets) == 0 {
			remaining, err := tx.ListAttempts(ctx, messageID)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				return tx.UpdateMessageStatus(ctx, messageID, models.DeliveryNone)
			}
			return tx.UpdateMessageStatus(ctx, messageID, models.DeliverySent)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.logger.Info().Str("message", messageID).Int("removed", removed).Msg("broadcast cancelled")
	return removed, nil
}

func isBroadcast(opcode int) bool {
	for _, op := range protocol.BroadcastOpcodes {
		if op == opcode {
			return true
		}
	}
	return false
}
