package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/protocol"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// fakeSender records deliveries and can fail per peer domain.
type fakeSender struct {
	fail  map[string]bool
	calls []string
}

func (f *fakeSender) Deliver(ctx context.Context, peer *models.Peer, msg *models.Message) error {
	f.calls = append(f.calls, peer.Domain+"/"+msg.ID)
	if f.fail[peer.Domain] {
		return errors.New("connection refused")
	}
	return nil
}

func seedPeer(t *testing.T, db store.DataStore, domain string) *models.Peer {
	t.Helper()
	peer, err := db.UpsertPeer(context.Background(), &models.Peer{
		ID:     uuid.Must(uuid.NewV7()),
		Domain: domain,
	})
	if err != nil {
		t.Fatal(err)
	}
	return peer
}

func unsentCount(t *testing.T, db store.DataStore, messageID string) int {
	t.Helper()
	attempts, err := db.ListAttempts(context.Background(), messageID)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, a := range attempts {
		if !a.Sent {
			n++
		}
	}
	return n
}

func TestIssueCreatesOneAttemptPerPeer(t *testing.T) {
	db := store.NewMemoryStore()
	seedPeer(t, db, "alpha.test")
	seedPeer(t, db, "beta.test")
	b := NewBroadcaster(db, zerolog.Nop())

	msg, err := b.Issue(context.Background(), protocol.OpDiscontinue, time.Now().Add(48*time.Hour), "service winding down", nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != models.DeliveryPending {
		t.Fatalf("expected PENDING, got %s", msg.Status)
	}
	if msg.ParamString("broadcast") != "all" {
		t.Fatalf("expected all-peer scope, got %q", msg.ParamString("broadcast"))
	}
	if got := unsentCount(t, db, msg.ID); got != 2 {
		t.Fatalf("expected 2 unsent attempts, got %d", got)
	}
}

func TestIssueRejectsPastEffectiveTime(t *testing.T) {
	db := store.NewMemoryStore()
	b := NewBroadcaster(db, zerolog.Nop())

	if _, err := b.Issue(context.Background(), protocol.OpDiscontinue, time.Now().Add(-time.Hour), "", nil); err == nil {
		t.Fatal("expected rejection for a past effective time")
	}
}

func TestIssueRejectsNonBroadcastOpcode(t *testing.T) {
	db := store.NewMemoryStore()
	b := NewBroadcaster(db, zerolog.Nop())

	if _, err := b.Issue(context.Background(), protocol.OpOffline, time.Now().Add(time.Hour), "", nil); err == nil {
		t.Fatal("expected rejection for a non-broadcast opcode")
	}
}

func TestScanDeliversEachTargetOnceAndSettles(t *testing.T) {
	db := store.NewMemoryStore()
	seedPeer(t, db, "alpha.test")
	seedPeer(t, db, "beta.test")
	b := NewBroadcaster(db, zerolog.Nop())
	ctx := context.Background()

	msg, err := b.Issue(ctx, protocol.OpMaintenanceScheduled, time.Now().Add(24*time.Hour), "window sunday 02:00", nil)
	if err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	sched := NewScheduler(db, sender, time.Minute, 15*time.Minute, zerolog.Nop())

	if err := sched.Scan(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(sender.calls) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", sender.calls)
	}

	stored, err := db.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.DeliverySent {
		t.Fatalf("expected SENT after full delivery, got %s", stored.Status)
	}

	// A second scan finds nothing to redrive.
	if err := sched.Scan(ctx); err != nil {
		t.Fatalf("idle scan failed: %v", err)
	}
	if len(sender.calls) != 2 {
		t.Fatalf("targets were notified twice: %v", sender.calls)
	}
}

func TestScanRetriesFailedTargets(t *testing.T) {
	db := store.NewMemoryStore()
	seedPeer(t, db, "alpha.test")
	seedPeer(t, db, "beta.test")
	b := NewBroadcaster(db, zerolog.Nop())
	ctx := context.Background()

	msg, err := b.Issue(ctx, protocol.OpDiscontinue, time.Now().Add(24*time.Hour), "", nil)
	if err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{fail: map[string]bool{"beta.test": true}}
	sched := NewScheduler(db, sender, time.Minute, 15*time.Minute, zerolog.Nop())

	if err := sched.Scan(ctx); err != nil {
		t.Fatalf("partial scan must still count as progress: %v", err)
	}
	if got := unsentCount(t, db, msg.ID); got != 1 {
		t.Fatalf("expected 1 attempt left, got %d", got)
	}

	stored, err := db.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.DeliveryPending {
		t.Fatalf("message must stay PENDING with an unsent target, got %s", stored.Status)
	}

	sender.fail = nil
	if err := sched.Scan(ctx); err != nil {
		t.Fatalf("retry scan failed: %v", err)
	}
	if got := unsentCount(t, db, msg.ID); got != 0 {
		t.Fatalf("expected no attempts left, got %d", got)
	}
}

func TestScanErrorsWhenNothingDeliverable(t *testing.T) {
	db := store.NewMemoryStore()
	seedPeer(t, db, "alpha.test")
	b := NewBroadcaster(db, zerolog.Nop())
	ctx := context.Background()

	if _, err := b.Issue(ctx, protocol.OpDiscontinue, time.Now().Add(24*time.Hour), "", nil); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{fail: map[string]bool{"alpha.test": true}}
	sched := NewScheduler(db, sender, time.Minute, 15*time.Minute, zerolog.Nop())

	if err := sched.Scan(ctx); err == nil {
		t.Fatal("a scan with backlog and zero deliveries must report an error")
	}
}

// racingCancelStore removes every unsent attempt the first time the scan
// re-reads it, modelling an operator cancelling while the scan runs.
type racingCancelStore struct {
	store.DataStore
	cancelled bool
}

func (s *racingCancelStore) ListAttempts(ctx context.Context, messageID string) ([]models.DeliveryAttempt, error) {
	if !s.cancelled {
		s.cancelled = true
		attempts, err := s.DataStore.ListAttempts(ctx, messageID)
		if err != nil {
			return nil, err
		}
		for _, a := range attempts {
			if !a.Sent {
				if err := s.DataStore.DeleteAttempt(ctx, messageID, a.PeerID); err != nil {
					return nil, err
				}
			}
		}
	}
	return s.DataStore.ListAttempts(ctx, messageID)
}

func TestScanSkippedByCancellationIsNotAFailure(t *testing.T) {
	db := store.NewMemoryStore()
	seedPeer(t, db, "alpha.test")
	b := NewBroadcaster(db, zerolog.Nop())
	ctx := context.Background()

	if _, err := b.Issue(ctx, protocol.OpDiscontinue, time.Now().Add(24*time.Hour), "", nil); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	sched := NewScheduler(&racingCancelStore{DataStore: db}, sender, time.Minute, 15*time.Minute, zerolog.Nop())

	if err := sched.Scan(ctx); err != nil {
		t.Fatalf("a scan where every attempt was cancelled mid-pass must not error: %v", err)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("cancelled attempts must not be delivered: %v", sender.calls)
	}
}

func TestCancelRemovesOnlyUnsentAttempts(t *testing.T) {
	db := store.NewMemoryStore()
	alpha := seedPeer(t, db, "alpha.test")
	beta := seedPeer(t, db, "beta.test")
	b := NewBroadcaster(db, zerolog.Nop())
	ctx := context.Background()

	msg, err := b.Issue(ctx, protocol.OpDiscontinue, time.Now().Add(24*time.Hour), "", nil)
	if err != nil {
		t.Fatal(err)
	}

	// alpha already got the broadcast.
	if _, err := db.MarkAttemptSent(ctx, msg.ID, alpha.ID); err != nil {
		t.Fatal(err)
	}

	removed, err := b.Cancel(ctx, msg.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed attempt, got %d", removed)
	}

	attempts, err := db.ListAttempts(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].PeerID != alpha.ID || !attempts[0].Sent {
		t.Fatalf("sent attempt must survive as an audit row, got %+v", attempts)
	}
	_ = beta

	stored, err := db.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status == models.DeliveryPending {
		t.Fatal("full cancellation must stop further delivery")
	}
}

func TestLateJoinerGetsAttemptOnNextScan(t *testing.T) {
	db := store.NewMemoryStore()
	seedPeer(t, db, "alpha.test")
	b := NewBroadcaster(db, zerolog.Nop())
	ctx := context.Background()

	msg, err := b.Issue(ctx, protocol.OpMaintenanceScheduled, time.Now().Add(24*time.Hour), "", nil)
	if err != nil {
		t.Fatal(err)
	}

	// A peer handshakes after the broadcast was issued.
	late := seedPeer(t, db, "late.test")

	sender := &fakeSender{}
	sched := NewScheduler(db, sender, time.Minute, 15*time.Minute, zerolog.Nop())
	if err := sched.Scan(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	attempts, err := db.ListAttempts(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, a := range attempts {
		if a.PeerID == late.ID && a.Sent {
			found = true
		}
	}
	if !found {
		t.Fatal("late-joining peer was not delivered to")
	}
}

func TestSelectedBroadcastSkipsLateJoiners(t *testing.T) {
	db := store.NewMemoryStore()
	alpha := seedPeer(t, db, "alpha.test")
	b := NewBroadcaster(db, zerolog.Nop())
	ctx := context.Background()

	msg, err := b.Issue(ctx, protocol.OpDiscontinue, time.Now().Add(24*time.Hour), "", []uuid.UUID{alpha.ID})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ParamString("broadcast") != "selected" {
		t.Fatalf("expected selected scope, got %q", msg.ParamString("broadcast"))
	}

	late := seedPeer(t, db, "late.test")

	sender := &fakeSender{}
	sched := NewScheduler(db, sender, time.Minute, 15*time.Minute, zerolog.Nop())
	if err := sched.Scan(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	attempts, err := db.ListAttempts(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range attempts {
		if a.PeerID == late.ID {
			t.Fatal("selected broadcast must not reach uninvited peers")
		}
	}
}
