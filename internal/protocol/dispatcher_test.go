package protocol

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/rules"
	"github.com/grafioschtrader/gtnet/internal/store"
	"github.com/grafioschtrader/gtnet/internal/token"
)

func newTestDispatcher(t *testing.T, acceptUnknown bool) (*Dispatcher, store.DataStore) {
	t.Helper()
	db := store.NewMemoryStore()
	d := NewDispatcher(Deps{
		DB:                    db,
		Rules:                 rules.NewEngine(db, zerolog.Nop()),
		Logger:                zerolog.Nop(),
		Domain:                "local.test",
		SpreadCapable:         true,
		AcceptUnknownPeer:     acceptUnknown,
		DefaultMaxInstruments: 100,
	})
	return d, db
}

func seedPeer(t *testing.T, db store.DataStore, domain string) *models.Peer {
	t.Helper()
	ctx := context.Background()
	peer, err := db.UpsertPeer(ctx, &models.Peer{
		ID:     uuid.Must(uuid.NewV7()),
		Domain: domain,
	})
	if err != nil {
		t.Fatal(err)
	}
	tokThis, err := token.Mint()
	if err != nil {
		t.Fatal(err)
	}
	tokRemote, err := token.Mint()
	if err != nil {
		t.Fatal(err)
	}
	cfg := &models.PeerConfig{PeerID: peer.ID, TokenThis: tokThis, TokenRemote: tokRemote}
	if err := db.SavePeerConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	return peer
}

func allMessages(t *testing.T, db store.DataStore) []models.Message {
	t.Helper()
	msgs, err := db.ListMessages(context.Background(), true, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestDispatchPingNeedsNoPeer(t *testing.T) {
	d, db := newTestDispatcher(t, false)

	reply, perr := d.Dispatch(context.Background(), nil, NewEnvelope(OpPing))
	if perr != nil {
		t.Fatalf("ping failed: %v", perr)
	}
	if reply == nil || reply.Opcode != OpPing {
		t.Fatalf("expected ping reply, got %+v", reply)
	}
	if reply.ParamString("domain") != "local.test" {
		t.Fatalf("expected own domain in reply, got %q", reply.ParamString("domain"))
	}
	if msgs := allMessages(t, db); len(msgs) != 0 {
		t.Fatalf("ping must not be persisted, found %d messages", len(msgs))
	}
}

func TestDispatchMissingOpcode(t *testing.T) {
	d, _ := newTestDispatcher(t, false)

	_, perr := d.Dispatch(context.Background(), nil, &Envelope{})
	if perr == nil || perr.Code != ErrValidation {
		t.Fatalf("expected validation error, got %v", perr)
	}
}

func TestDispatchUnauthenticatedNonHandshake(t *testing.T) {
	d, _ := newTestDispatcher(t, true)

	_, perr := d.Dispatch(context.Background(), nil, NewEnvelope(OpExchangeRequest))
	if perr == nil || perr.Code != ErrValidation {
		t.Fatalf("expected validation error, got %v", perr)
	}
}

func TestDispatchUnknownOpcode(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")

	_, perr := d.Dispatch(context.Background(), peer, NewEnvelope(99))
	if perr == nil || perr.Code != ErrUnknownOpcode {
		t.Fatalf("expected unknown opcode error, got %v", perr)
	}
}

func TestHandshakeFromUnknownRejectedWithoutTrace(t *testing.T) {
	d, db := newTestDispatcher(t, false)

	env := NewEnvelope(OpHandshake)
	env.SetString("domain", "stranger.test")
	env.SetString("token", "sekrit")

	reply, perr := d.Dispatch(context.Background(), nil, env)
	if perr != nil {
		t.Fatalf("rejection must be a reply, not an error: %v", perr)
	}
	if reply == nil || reply.Opcode != OpHandshakeReject {
		t.Fatalf("expected handshake reject, got %+v", reply)
	}

	n, err := db.CountPeers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rejected handshake must not create a peer, found %d", n)
	}
	if msgs := allMessages(t, db); len(msgs) != 0 {
		t.Fatalf("rejected handshake must not be persisted, found %d messages", len(msgs))
	}
}

func TestHandshakeAcceptMintsAndStoresTokens(t *testing.T) {
	d, db := newTestDispatcher(t, true)
	ctx := context.Background()

	env := NewEnvelope(OpHandshake)
	env.SetString("domain", "peer.test")
	env.SetString("token", "caller-minted-token")
	env.SetBool("spreadCapable", true)

	reply, perr := d.Dispatch(ctx, nil, env)
	if perr != nil {
		t.Fatalf("handshake failed: %v", perr)
	}
	if reply == nil || reply.Opcode != OpHandshakeAccept {
		t.Fatalf("expected accept, got %+v", reply)
	}

	minted := reply.ParamString("token")
	if minted == "" || minted == "caller-minted-token" {
		t.Fatalf("accept must carry a freshly minted token, got %q", minted)
	}
	if reply.ParamString("domain") != "local.test" {
		t.Fatalf("expected own domain in accept, got %q", reply.ParamString("domain"))
	}

	peer, err := db.GetPeerByDomain(ctx, "peer.test")
	if err != nil {
		t.Fatal(err)
	}
	if peer == nil {
		t.Fatal("accepted peer not stored")
	}
	if !peer.SpreadCapable {
		t.Fatal("capability flags not recorded")
	}

	cfg, err := db.GetPeerConfig(ctx, peer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cfg == nil {
		t.Fatal("peer config not stored")
	}
	if cfg.TokenRemote != "caller-minted-token" {
		t.Fatalf("TokenRemote must be the caller's token, got %q", cfg.TokenRemote)
	}
	if cfg.TokenThis != minted {
		t.Fatal("TokenThis must match the token returned in the accept")
	}

	msgs := allMessages(t, db)
	if len(msgs) != 2 {
		t.Fatalf("expected request and answer persisted, got %d messages", len(msgs))
	}
	for _, m := range msgs {
		if m.Visibility != models.VisAdminOnly {
			t.Fatalf("handshake traffic must be admin-only, got %s", m.Visibility)
		}
		if _, loaded := m.Params["token"]; loaded {
			t.Fatal("tokens must never land in the message log")
		}
	}
}

func TestRehandshakeRotatesTokensAndResetsNegotiations(t *testing.T) {
	d, db := newTestDispatcher(t, true)
	ctx := context.Background()

	first := NewEnvelope(OpHandshake)
	first.SetString("domain", "peer.test")
	first.SetString("token", "token-one")
	reply1, perr := d.Dispatch(ctx, nil, first)
	if perr != nil {
		t.Fatalf("first handshake failed: %v", perr)
	}

	peer, err := db.GetPeerByDomain(ctx, "peer.test")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveEntityConfig(ctx, &models.EntityConfig{
		PeerID:        peer.ID,
		Kind:          models.KindLastPrice,
		AcceptRequest: models.AcceptOpen,
		ServerState:   models.StateOpen,
	}); err != nil {
		t.Fatal(err)
	}

	second := NewEnvelope(OpHandshake)
	second.SetString("domain", "peer.test")
	second.SetString("token", "token-two")
	reply2, perr := d.Dispatch(ctx, nil, second)
	if perr != nil {
		t.Fatalf("re-handshake failed: %v", perr)
	}
	if reply2.ParamString("token") == reply1.ParamString("token") {
		t.Fatal("re-handshake must rotate the minted token")
	}

	cfg, err := db.GetPeerConfig(ctx, peer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TokenRemote != "token-two" {
		t.Fatalf("TokenRemote not rotated, got %q", cfg.TokenRemote)
	}

	entities, err := db.ListEntityConfigs(ctx, peer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 0 {
		t.Fatalf("re-handshake must void earlier negotiations, %d configs left", len(entities))
	}
}

func TestExchangeRequestWithoutRulesParksPending(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")

	env := NewEnvelope(OpExchangeRequest)
	env.SetString("entity", string(models.KindLastPrice))
	env.SetString("mode", string(models.AcceptOpen))

	reply, perr := d.Dispatch(context.Background(), peer, env)
	if perr != nil {
		t.Fatalf("dispatch failed: %v", perr)
	}
	if reply == nil || reply.Opcode != OpPending {
		t.Fatalf("expected pending, got %+v", reply)
	}

	cfg, err := db.GetEntityConfig(context.Background(), peer.ID, models.KindLastPrice)
	if err != nil {
		t.Fatal(err)
	}
	if cfg != nil {
		t.Fatal("pending request must not create an entity config")
	}
}

func TestExchangeRequestAutoAcceptedByRule(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")
	ctx := context.Background()

	rule := &models.AnswerRule{
		ID:             uuid.Must(uuid.NewV7()),
		RequestOpcode:  OpExchangeRequest,
		Priority:       1,
		Condition:      `entity == "LAST_PRICE"`,
		ResponseOpcode: OpExchangeAccept,
	}
	if err := db.SaveAnswerRule(ctx, rule); err != nil {
		t.Fatal(err)
	}

	env := NewEnvelope(OpExchangeRequest)
	env.SetString("entity", string(models.KindLastPrice))
	env.SetString("mode", string(models.AcceptPushOpen))

	reply, perr := d.Dispatch(ctx, peer, env)
	if perr != nil {
		t.Fatalf("dispatch failed: %v", perr)
	}
	if reply == nil || reply.Opcode != OpExchangeAccept {
		t.Fatalf("expected accept, got %+v", reply)
	}

	cfg, err := db.GetEntityConfig(ctx, peer.ID, models.KindLastPrice)
	if err != nil {
		t.Fatal(err)
	}
	if cfg == nil {
		t.Fatal("accepted request must create an entity config")
	}
	if !cfg.Negotiated() {
		t.Fatal("config must count as negotiated after accept")
	}
	if cfg.AcceptRequest != models.AcceptPushOpen {
		t.Fatalf("expected PUSH_OPEN, got %s", cfg.AcceptRequest)
	}
	if cfg.ServerState != models.StateOpen {
		t.Fatalf("expected OPEN, got %s", cfg.ServerState)
	}
}

func TestExchangeRequestUnknownEntity(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")

	env := NewEnvelope(OpExchangeRequest)
	env.SetString("entity", "DIVIDENDS")

	_, perr := d.Dispatch(context.Background(), peer, env)
	if perr == nil || perr.Code != ErrValidation {
		t.Fatalf("expected validation error, got %v", perr)
	}
}

func TestReplyInheritsAdminOnlyVisibility(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")
	ctx := context.Background()

	peerID := peer.ID
	parent := &models.Message{
		ID:         ulid.Make().String(),
		PeerID:     &peerID,
		Direction:  models.DirSend,
		Opcode:     OpExchangeRequest,
		Status:     models.DeliverySent,
		Visibility: models.VisAdminOnly,
	}
	if err := db.CreateMessage(ctx, parent); err != nil {
		t.Fatal(err)
	}

	env := NewEnvelope(OpExchangeAccept)
	env.SetString("entity", string(models.KindLastPrice))
	env.SetString("mode", string(models.AcceptOpen))
	env.ReplyTo = parent.ID

	if _, perr := d.Dispatch(ctx, peer, env); perr != nil {
		t.Fatalf("dispatch failed: %v", perr)
	}

	var inbound *models.Message
	for _, m := range allMessages(t, db) {
		if m.Opcode == OpExchangeAccept && m.Direction == models.DirReceived {
			inbound = &m
			break
		}
	}
	if inbound == nil {
		t.Fatal("inbound response not persisted")
	}
	if inbound.Visibility != models.VisAdminOnly {
		t.Fatalf("reply must inherit the parent's visibility, got %s", inbound.Visibility)
	}
	if inbound.ReplyTo == nil || *inbound.ReplyTo != parent.ID {
		t.Fatal("inbound response not linked to its request")
	}
}
