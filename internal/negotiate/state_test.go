package negotiate

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.DataStore, uuid.UUID) {
	t.Helper()
	db := store.NewMemoryStore()
	peerID := uuid.Must(uuid.NewV7())
	return NewManager(db, zerolog.Nop(), 200), db, peerID
}

func mustConfig(t *testing.T, db store.DataStore, peerID uuid.UUID, kind models.EntityKind) *models.EntityConfig {
	t.Helper()
	cfg, err := db.GetEntityConfig(context.Background(), peerID, kind)
	if err != nil {
		t.Fatal(err)
	}
	if cfg == nil {
		t.Fatalf("expected an entity config for %s", kind)
	}
	return cfg
}

func TestAcceptCreatesConfigWithDefaults(t *testing.T) {
	m, db, peerID := newTestManager(t)
	if err := m.ApplyAccept(context.Background(), peerID, models.KindLastPrice, models.AcceptOpen); err != nil {
		t.Fatal(err)
	}

	cfg := mustConfig(t, db, peerID, models.KindLastPrice)
	if cfg.AcceptRequest != models.AcceptOpen {
		t.Fatalf("expected OPEN, got %s", cfg.AcceptRequest)
	}
	if cfg.ServerState != models.StateOpen {
		t.Fatalf("expected state OPEN, got %s", cfg.ServerState)
	}
	if !cfg.ExchangeEnabled {
		t.Fatal("expected exchange enabled")
	}
	if cfg.MaxInstruments != 200 {
		t.Fatalf("expected default instrument cap 200, got %d", cfg.MaxInstruments)
	}
}

func TestPushOpenNeverDowngrades(t *testing.T) {
	m, db, peerID := newTestManager(t)
	ctx := context.Background()

	if err := m.ApplyAccept(ctx, peerID, models.KindLastPrice, models.AcceptPushOpen); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyAccept(ctx, peerID, models.KindLastPrice, models.AcceptOpen); err != nil {
		t.Fatal(err)
	}

	cfg := mustConfig(t, db, peerID, models.KindLastPrice)
	if cfg.AcceptRequest != models.AcceptPushOpen {
		t.Fatalf("PUSH_OPEN downgraded to %s", cfg.AcceptRequest)
	}
}

func TestOpenUpgradesToPushOpen(t *testing.T) {
	m, db, peerID := newTestManager(t)
	ctx := context.Background()

	if err := m.ApplyAccept(ctx, peerID, models.KindLastPrice, models.AcceptOpen); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyAccept(ctx, peerID, models.KindLastPrice, models.AcceptPushOpen); err != nil {
		t.Fatal(err)
	}

	cfg := mustConfig(t, db, peerID, models.KindLastPrice)
	if cfg.AcceptRequest != models.AcceptPushOpen {
		t.Fatalf("expected upgrade to PUSH_OPEN, got %s", cfg.AcceptRequest)
	}
}

func TestAcceptCoercesClosedToOpen(t *testing.T) {
	m, db, peerID := newTestManager(t)
	if err := m.ApplyAccept(context.Background(), peerID, models.KindLastPrice, models.AcceptClosed); err != nil {
		t.Fatal(err)
	}

	cfg := mustConfig(t, db, peerID, models.KindLastPrice)
	if cfg.AcceptRequest != models.AcceptOpen {
		t.Fatalf("expected CLOSED accept to land as OPEN, got %s", cfg.AcceptRequest)
	}
}

func TestRejectClosesButKeepsRow(t *testing.T) {
	m, db, peerID := newTestManager(t)
	ctx := context.Background()

	if err := m.ApplyAccept(ctx, peerID, models.KindLastPrice, models.AcceptOpen); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyReject(ctx, peerID, models.KindLastPrice); err != nil {
		t.Fatal(err)
	}

	cfg := mustConfig(t, db, peerID, models.KindLastPrice)
	if cfg.AcceptRequest != models.AcceptClosed {
		t.Fatalf("expected CLOSED, got %s", cfg.AcceptRequest)
	}
	if cfg.ExchangeEnabled {
		t.Fatal("expected exchange disabled")
	}
}

func TestBusyTogglesAllKindsAndPreservesAcceptance(t *testing.T) {
	m, db, peerID := newTestManager(t)
	ctx := context.Background()

	if err := m.ApplyAccept(ctx, peerID, models.KindLastPrice, models.AcceptPushOpen); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyAccept(ctx, peerID, models.KindHistoricalPrices, models.AcceptOpen); err != nil {
		t.Fatal(err)
	}

	if err := m.SetBusy(ctx, peerID, true); err != nil {
		t.Fatal(err)
	}
	for _, kind := range []models.EntityKind{models.KindLastPrice, models.KindHistoricalPrices} {
		cfg := mustConfig(t, db, peerID, kind)
		if cfg.ServerState != models.StateClosed {
			t.Fatalf("%s: expected CLOSED while busy, got %s", kind, cfg.ServerState)
		}
	}

	if err := m.SetBusy(ctx, peerID, false); err != nil {
		t.Fatal(err)
	}
	cfg := mustConfig(t, db, peerID, models.KindLastPrice)
	if cfg.ServerState != models.StateOpen {
		t.Fatalf("expected OPEN after release, got %s", cfg.ServerState)
	}
	if cfg.AcceptRequest != models.AcceptPushOpen {
		t.Fatalf("busy cycle changed acceptance to %s", cfg.AcceptRequest)
	}
}

func TestAvailabilitySkipsUnnegotiatedKinds(t *testing.T) {
	m, db, peerID := newTestManager(t)
	ctx := context.Background()

	if err := m.ApplyAccept(ctx, peerID, models.KindLastPrice, models.AcceptOpen); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyReject(ctx, peerID, models.KindHistoricalPrices); err != nil {
		t.Fatal(err)
	}

	if err := m.SetAvailability(ctx, peerID, models.StateMaintenance); err != nil {
		t.Fatal(err)
	}

	negotiated := mustConfig(t, db, peerID, models.KindLastPrice)
	if negotiated.ServerState != models.StateMaintenance {
		t.Fatalf("expected MAINTENANCE, got %s", negotiated.ServerState)
	}
	closed := mustConfig(t, db, peerID, models.KindHistoricalPrices)
	if closed.ServerState != models.StateClosed {
		t.Fatalf("closed kind should stay CLOSED, got %s", closed.ServerState)
	}
}
