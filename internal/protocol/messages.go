package protocol

import (
	"context"
	"time"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// Deletable derives whether a message may be removed from the log. An
// offline notice is always removable, as is anything whose delivery failed
// terminally. Replies are never removable on their own; they go with their
// parent. Announcements become removable once their effective time has
// passed and, for tracked broadcasts, once no unsent delivery attempt
// remains. Requests need a reply first.
func Deletable(ctx context.Context, db store.DataStore, msg *models.Message) (bool, error) {
	if msg.Opcode == OpOffline {
		return true, nil
	}

	category, known := CategoryOf(msg.Opcode)
	if msg.Direction == models.DirAnswer || (known && category == CategoryResponse) {
		return false, nil
	}

	if msg.Status == models.DeliveryFailed {
		return true, nil
	}

	if !known {
		return msg.Read, nil
	}

	switch category {
	case CategoryAnnouncement:
		if msg.EffectiveAt != nil && msg.EffectiveAt.After(time.Now()) {
			return false, nil
		}
		if msg.Direction == models.DirSend && isBroadcastOpcode(msg.Opcode) {
			attempts, err := db.ListAttempts(ctx, msg.ID)
			if err != nil {
				return false, err
			}
			for i := range attempts {
				if !attempts[i].Sent {
					return false, nil
				}
			}
		}
		return true, nil

	case CategoryRequest:
		return db.HasReply(ctx, msg.ID)

	default:
		return msg.Read, nil
	}
}

// DeleteIfAllowed removes a message once its deletable condition holds, along
// with any remaining delivery bookkeeping.
func DeleteIfAllowed(ctx context.Context, db store.DataStore, id string) error {
	msg, err := db.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		return Validationf("message %s not found", id)
	}
	ok, err := Deletable(ctx, db, msg)
	if err != nil {
		return err
	}
	if !ok {
		return Validationf("message %s is not deletable yet", id)
	}

	attempts, err := db.ListAttempts(ctx, id)
	if err != nil {
		return err
	}
	for i := range attempts {
		if err := db.DeleteAttempt(ctx, id, attempts[i].PeerID); err != nil {
			return err
		}
	}
	return db.DeleteMessage(ctx, id)
}

func isBroadcastOpcode(opcode int) bool {
	for _, op := range BroadcastOpcodes {
		if op == opcode {
			return true
		}
	}
	return false
}
