package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/metrics"
	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/protocol"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// Sender delivers one stored message to one peer over the wire.
type Sender interface {
	Deliver(ctx context.Context, peer *models.Peer, msg *models.Message) error
}

// Scheduler periodically re-drives unsent broadcast deliveries. A scan that
// cannot deliver anything backs off exponentially up to maxBackoff; any
// successful delivery resets the backoff.
type Scheduler struct {
	db             store.DataStore
	sender         Sender
	interval       time.Duration
	maxBackoff     time.Duration
	currentBackoff time.Duration
	logger         zerolog.Logger
}

func NewScheduler(db store.DataStore, sender Sender, interval, maxBackoff time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		db:         db,
		sender:     sender,
		interval:   interval,
		maxBackoff: maxBackoff,
		logger:     logger,
	}
}

// Run starts the retry loop and blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.interval
		if wait <= 0 {
			wait = time.Minute
		}
		wait += s.currentBackoff

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.Scan(ctx); err != nil {
			s.logger.Warn().Err(err).Dur("backoff", s.currentBackoff).Msg("delivery scan failed")
			s.bumpBackoff()
		} else {
			s.currentBackoff = 0
		}
	}
}

func (s *Scheduler) bumpBackoff() {
	if s.currentBackoff == 0 {
		s.currentBackoff = s.interval
		if s.currentBackoff <= 0 {
			s.currentBackoff = time.Minute
		}
	} else {
		s.currentBackoff *= 2
	}
	if s.maxBackoff > 0 && s.currentBackoff > s.maxBackoff {
		s.currentBackoff = s.maxBackoff
	}
}

// Scan performs one delivery pass: attempts for late-joining peers are
// created first, then every unsent attempt is driven once. Each attempt is
// re-read against the store before sending so a concurrent cancellation
// wins, and the sent flag flips conditionally so no target is notified
// twice.
func (s *Scheduler) Scan(ctx context.Context) error {
	if err := s.materializeLateJoiners(ctx); err != nil {
		return err
	}

	attempts, err := s.db.ListUnsentAttempts(ctx)
	if err != nil {
		return err
	}
	metrics.DeliveryBacklog.Set(float64(len(attempts)))
	if len(attempts) == 0 {
		return nil
	}

	delivered := 0
	attempted := 0
	for i := range attempts {
		att := &attempts[i]

		// Cancellation may have removed the attempt since the listing.
		current, err := s.db.ListAttempts(ctx, att.MessageID)
		if err != nil {
			return err
		}
		if !attemptPresent(current, att) {
			continue
		}

		msg, err := s.db.GetMessage(ctx, att.MessageID)
		if err != nil {
			return err
		}
		if msg == nil {
			if err := s.db.DeleteAttempt(ctx, att.MessageID, att.PeerID); err != nil {
				return err
			}
			continue
		}

		peer, err := s.db.GetPeerByID(ctx, att.PeerID)
		if err != nil {
			return err
		}
		if peer == nil {
			if err := s.db.DeleteAttempt(ctx, att.MessageID, att.PeerID); err != nil {
				return err
			}
			continue
		}

		attempted++
		if err := s.sender.Deliver(ctx, peer, msg); err != nil {
			metrics.DeliveryAttempts.WithLabelValues("failed").Inc()
			s.logger.Debug().Err(err).Str("peer", peer.Domain).Str("message", msg.ID).
				Msg("broadcast delivery failed, will retry")
			continue
		}

		flipped, err := s.db.MarkAttemptSent(ctx, att.MessageID, att.PeerID)
		if err != nil {
			return err
		}
		if flipped {
			metrics.DeliveryAttempts.WithLabelValues("sent").Inc()
			delivered++
		}

		if err := s.settleMessage(ctx, att.MessageID); err != nil {
			return err
		}
	}

	// Attempts skipped because of a concurrent cancellation are not
	// failures; only a pass where real sends happened and none landed
	// should trigger the backoff.
	if attempted > 0 && delivered == 0 {
		return errors.New("no pending delivery succeeded")
	}
	return nil
}

// materializeLateJoiners creates missing attempts for all-peer broadcasts,
// covering peers that handshaked after the broadcast was issued. Creation is
// idempotent per (message, peer).
func (s *Scheduler) materializeLateJoiners(ctx context.Context) error {
	open, err := s.db.ListOpenBroadcasts(ctx, protocol.BroadcastOpcodes)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	peers, err := s.db.ListPeers(ctx)
	if err != nil {
		return err
	}

	for i := range open {
		msg := &open[i]
		if msg.ParamString("broadcast") != "all" {
			continue
		}
		if msg.Status != models.DeliveryPending {
			continue
		}
		for j := range peers {
			if err := s.db.CreateDeliveryAttempt(ctx, msg.ID, peers[j].ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// settleMessage marks the broadcast fully sent once no unsent attempt
// remains.
func (s *Scheduler) settleMessage(ctx context.Context, messageID string) error {
	attempts, err := s.db.ListAttempts(ctx, messageID)
	if err != nil {
		return err
	}
	for i := range attempts {
		if !attempts[i].Sent {
			return nil
		}
	}
	return s.db.UpdateMessageStatus(ctx, messageID, models.DeliverySent)
}

func attemptPresent(attempts []models.DeliveryAttempt, att *models.DeliveryAttempt) bool {
	for i := range attempts {
		if attempts[i].PeerID == att.PeerID && !attempts[i].Sent {
			return true
		}
	}
	return false
}
