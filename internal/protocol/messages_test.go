package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

func mustDeletable(t *testing.T, db store.DataStore, msg *models.Message) bool {
	t.Helper()
	ok, err := Deletable(context.Background(), db, msg)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func TestOfflineNoticeAlwaysDeletable(t *testing.T) {
	db := store.NewMemoryStore()
	future := time.Now().Add(time.Hour)
	msg := &models.Message{
		ID:          ulid.Make().String(),
		Opcode:      OpOffline,
		Direction:   models.DirReceived,
		EffectiveAt: &future,
	}
	if !mustDeletable(t, db, msg) {
		t.Fatal("offline notices must always be deletable")
	}
}

func TestAnnouncementDeletableOnlyAfterEffectiveTime(t *testing.T) {
	db := store.NewMemoryStore()
	future := time.Now().Add(time.Hour)
	msg := &models.Message{
		ID:          ulid.Make().String(),
		Opcode:      OpMaintenance,
		Direction:   models.DirReceived,
		EffectiveAt: &future,
	}
	if mustDeletable(t, db, msg) {
		t.Fatal("future-effective announcement must be kept")
	}

	past := time.Now().Add(-time.Hour)
	msg.EffectiveAt = &past
	if !mustDeletable(t, db, msg) {
		t.Fatal("passed announcement must be deletable")
	}
}

func TestBroadcastDeletableOnlyWhenAllAttemptsSent(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()
	peer := seedPeer(t, db, "peer.test")

	past := time.Now().Add(-time.Hour)
	msg := &models.Message{
		ID:          ulid.Make().String(),
		Opcode:      OpDiscontinue,
		Direction:   models.DirSend,
		Status:      models.DeliveryPending,
		EffectiveAt: &past,
	}
	if err := db.CreateMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateDeliveryAttempt(ctx, msg.ID, peer.ID); err != nil {
		t.Fatal(err)
	}

	if mustDeletable(t, db, msg) {
		t.Fatal("broadcast with an unsent target must be kept")
	}

	if _, err := db.MarkAttemptSent(ctx, msg.ID, peer.ID); err != nil {
		t.Fatal(err)
	}
	if !mustDeletable(t, db, msg) {
		t.Fatal("fully delivered broadcast must be deletable")
	}
}

func TestRequestDeletableOnlyWithReply(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()

	req := &models.Message{
		ID:        ulid.Make().String(),
		Opcode:    OpExchangeRequest,
		Direction: models.DirReceived,
	}
	if err := db.CreateMessage(ctx, req); err != nil {
		t.Fatal(err)
	}
	if mustDeletable(t, db, req) {
		t.Fatal("unanswered request must be kept")
	}

	reqID := req.ID
	answer := &models.Message{
		ID:        ulid.Make().String(),
		Opcode:    OpExchangeAccept,
		Direction: models.DirAnswer,
		ReplyTo:   &reqID,
	}
	if err := db.CreateMessage(ctx, answer); err != nil {
		t.Fatal(err)
	}
	if !mustDeletable(t, db, req) {
		t.Fatal("answered request must be deletable")
	}
}

func TestRepliesAreNeverIndependentlyDeletable(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()

	req := &models.Message{
		ID:        ulid.Make().String(),
		Opcode:    OpExchangeRequest,
		Direction: models.DirReceived,
	}
	if err := db.CreateMessage(ctx, req); err != nil {
		t.Fatal(err)
	}
	reqID := req.ID
	reply := &models.Message{
		ID:        ulid.Make().String(),
		Opcode:    OpExchangeAccept,
		Direction: models.DirAnswer,
		ReplyTo:   &reqID,
		Read:      true,
	}
	if err := db.CreateMessage(ctx, reply); err != nil {
		t.Fatal(err)
	}

	if mustDeletable(t, db, reply) {
		t.Fatal("a read reply must not be removable on its own")
	}
	if err := DeleteIfAllowed(ctx, db, reply.ID); err == nil {
		t.Fatal("deleting a reply directly must be refused")
	}

	// The reply goes together with its parent.
	if err := DeleteIfAllowed(ctx, db, req.ID); err != nil {
		t.Fatal(err)
	}
	if m, err := db.GetMessage(ctx, reply.ID); err != nil || m != nil {
		t.Fatalf("reply must cascade-delete with its parent: %v %v", m, err)
	}
}

func TestInboundResponseOpcodeNotDeletable(t *testing.T) {
	db := store.NewMemoryStore()
	msg := &models.Message{
		ID:        ulid.Make().String(),
		Opcode:    OpPushAck,
		Direction: models.DirReceived,
		Read:      true,
	}
	if mustDeletable(t, db, msg) {
		t.Fatal("an inbound response must not be removable on its own")
	}
}

func TestTerminallyFailedMessageDeletable(t *testing.T) {
	db := store.NewMemoryStore()
	msg := &models.Message{
		ID:        ulid.Make().String(),
		Opcode:    OpExchangeRequest,
		Direction: models.DirSend,
		Status:    models.DeliveryFailed,
	}
	if !mustDeletable(t, db, msg) {
		t.Fatal("a message whose delivery failed terminally must be deletable")
	}
}

func TestDeleteIfAllowedRemovesBookkeeping(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()
	peer := seedPeer(t, db, "peer.test")

	past := time.Now().Add(-time.Hour)
	msg := &models.Message{
		ID:          ulid.Make().String(),
		Opcode:      OpDiscontinue,
		Direction:   models.DirSend,
		Status:      models.DeliverySent,
		EffectiveAt: &past,
	}
	if err := db.CreateMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateDeliveryAttempt(ctx, msg.ID, peer.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkAttemptSent(ctx, msg.ID, peer.ID); err != nil {
		t.Fatal(err)
	}

	if err := DeleteIfAllowed(ctx, db, msg.ID); err != nil {
		t.Fatal(err)
	}

	if m, err := db.GetMessage(ctx, msg.ID); err != nil || m != nil {
		t.Fatalf("message not removed: %v %v", m, err)
	}
	attempts, err := db.ListAttempts(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 0 {
		t.Fatalf("attempt rows not removed: %d left", len(attempts))
	}
}
