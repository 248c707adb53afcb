package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

func TestOpenStrategyRefusesPushes(t *testing.T) {
	db := store.NewMemoryStore()
	s := &OpenStrategy{domain: "local.test"}

	_, err := s.Absorb(context.Background(), db, "peer.test", []PushRecord{
		{InstrumentRef: models.InstrumentRef{ISIN: "CH0012032048", Currency: "CHF"}, Price: 1, Timestamp: time.Now().UnixMilli()},
	})
	if err != ErrPushNotNegotiated {
		t.Fatalf("expected ErrPushNotNegotiated, got %v", err)
	}
}

func TestForConfigSelectsByAcceptMode(t *testing.T) {
	open := ForConfig(&models.EntityConfig{AcceptRequest: models.AcceptOpen}, nil, "local.test")
	if open.Mode() != models.AcceptOpen {
		t.Fatalf("expected open strategy, got %s", open.Mode())
	}
	push := ForConfig(&models.EntityConfig{AcceptRequest: models.AcceptPushOpen}, nil, "local.test")
	if push.Mode() != models.AcceptPushOpen {
		t.Fatalf("expected push strategy, got %s", push.Mode())
	}
}

func TestPushAbsorbThenQueryViaForeignCache(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()

	// The pool lookup tries every known peer domain as a candidate origin.
	if _, err := db.UpsertPeer(ctx, &models.Peer{ID: uuid.Must(uuid.NewV7()), Domain: "origin.test"}); err != nil {
		t.Fatal(err)
	}

	s := &PushStrategy{domain: "local.test"}
	now := time.Now().UnixMilli()

	accepted, err := s.Absorb(ctx, db, "origin.test", []PushRecord{
		{
			InstrumentRef: models.InstrumentRef{ISIN: "JP3633400001", Currency: "JPY"},
			Price:         2815,
			Timestamp:     now,
			History: []HistoryRow{
				{Date: "2026-08-27", Close: 2790},
				{Date: "2026-08-28", Close: 2802},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if accepted != 1 {
		t.Fatalf("expected 1 accepted record, got %d", accepted)
	}

	backlog, err := db.CountForeignHistory(ctx, "origin.test|JP3633400001|JPY")
	if err != nil {
		t.Fatal(err)
	}
	if backlog != 2 {
		t.Fatalf("expected 2 foreign history rows, got %d", backlog)
	}

	points, err := s.LastPrices(ctx, db, []models.InstrumentRef{{ISIN: "JP3633400001", Currency: "JPY"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 pooled point, got %d", len(points))
	}
	if points[0].Price != 2815 || points[0].Source != "origin.test" {
		t.Fatalf("wrong pooled point: %+v", points[0])
	}
}

func TestPushAbsorbUpdatesLocalInstrument(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()

	at := time.Now().Add(-time.Hour)
	if err := db.CreateSecurity(ctx, &models.Security{
		ISIN:          "CH0012032048",
		Currency:      "CHF",
		LastPrice:     300,
		LastPriceTime: &at,
	}); err != nil {
		t.Fatal(err)
	}

	s := &PushStrategy{domain: "local.test"}
	now := time.Now().UnixMilli()

	accepted, err := s.Absorb(ctx, db, "origin.test", []PushRecord{
		{
			InstrumentRef: models.InstrumentRef{ISIN: "CH0012032048", Currency: "CHF"},
			Price:         312.5,
			Timestamp:     now,
			History: []HistoryRow{
				{Date: "2026-08-27", Close: 309},
				{Date: "2026-08-28", Close: 311},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if accepted != 1 {
		t.Fatalf("expected 1 accepted record, got %d", accepted)
	}

	sec, err := db.GetSecurity(ctx, "CH0012032048", "CHF")
	if err != nil {
		t.Fatal(err)
	}
	if sec.LastPrice != 312.5 {
		t.Fatalf("local price not updated, got %v", sec.LastPrice)
	}

	// The record landed locally, never in the foreign cache.
	fi, err := db.GetForeignInstrument(ctx, "origin.test|CH0012032048|CHF")
	if err != nil {
		t.Fatal(err)
	}
	if fi != nil {
		t.Fatal("locally tracked instrument must not enter the foreign cache")
	}
}

func TestHistoryBackfillNeverOverwrites(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()

	at := time.Now()
	if err := db.CreateSecurity(ctx, &models.Security{
		ISIN:          "CH0012032048",
		Currency:      "CHF",
		LastPrice:     300,
		LastPriceTime: &at,
	}); err != nil {
		t.Fatal(err)
	}
	ids, err := db.ResolveInstruments(ctx, []models.InstrumentRef{{ISIN: "CH0012032048", Currency: "CHF"}})
	if err != nil {
		t.Fatal(err)
	}
	id := *ids[0]

	day, _ := time.Parse("2006-01-02", "2026-08-27")
	if _, err := db.InsertHistoryQuotes(ctx, id, []models.HistoryQuote{
		{InstrumentID: id, Date: day, Close: 305},
	}); err != nil {
		t.Fatal(err)
	}

	s := &PushStrategy{domain: "local.test"}
	if _, err := s.Absorb(ctx, db, "origin.test", []PushRecord{
		{
			InstrumentRef: models.InstrumentRef{ISIN: "CH0012032048", Currency: "CHF"},
			Price:         312.5,
			Timestamp:     time.Now().UnixMilli(),
			History: []HistoryRow{
				{Date: "2026-08-27", Close: 999}, // already present, must be skipped
				{Date: "2026-08-28", Close: 311},
			},
		},
	}); err != nil {
		t.Fatal(err)
	}

	from, _ := time.Parse("2006-01-02", "2026-08-27")
	to, _ := time.Parse("2006-01-02", "2026-08-28")
	quotes, err := db.ListHistoryQuotes(ctx, id, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}
	if quotes[0].Close != 305 {
		t.Fatalf("existing quote was overwritten: %v", quotes[0].Close)
	}
	if quotes[1].Close != 311 {
		t.Fatalf("new quote missing: %v", quotes[1].Close)
	}
}
