package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/grafioschtrader/gtnet/internal/exchange"
	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

func seedEntityConfig(t *testing.T, db store.DataStore, peer *models.Peer, kind models.EntityKind, accept models.AcceptRequestType, maxInst int) {
	t.Helper()
	err := db.SaveEntityConfig(context.Background(), &models.EntityConfig{
		PeerID:          peer.ID,
		Kind:            kind,
		AcceptRequest:   accept,
		ServerState:     models.StateOpen,
		MaxInstruments:  maxInst,
		ExchangeEnabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func seedSecurity(t *testing.T, db store.DataStore, isin, currency string, price float64) {
	t.Helper()
	at := time.Now().Add(-time.Minute)
	err := db.CreateSecurity(context.Background(), &models.Security{
		ISIN:          isin,
		Currency:      currency,
		LastPrice:     price,
		LastPriceTime: &at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLastPriceQueryServesLocalInstruments(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")
	seedEntityConfig(t, db, peer, models.KindLastPrice, models.AcceptOpen, 100)
	seedSecurity(t, db, "CH0012032048", "CHF", 312.5)
	seedSecurity(t, db, "US0378331005", "USD", 189.2)

	env := NewEnvelope(OpLastPriceQuery)
	refs := []models.InstrumentRef{
		{ISIN: "CH0012032048", Currency: "CHF"},
		{ISIN: "US0378331005", Currency: "USD"},
		{ISIN: "DE0007164600", Currency: "EUR"}, // untracked, silently skipped
	}
	if err := env.SetPayload(refs); err != nil {
		t.Fatal(err)
	}

	reply, perr := d.Dispatch(context.Background(), peer, env)
	if perr != nil {
		t.Fatalf("query failed: %v", perr)
	}
	if reply == nil || reply.Opcode != OpLastPriceData {
		t.Fatalf("expected price data, got %+v", reply)
	}

	var points []exchange.PricePoint
	if err := reply.UnmarshalPayload(&points); err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	byISIN := map[string]float64{}
	for _, p := range points {
		byISIN[p.ISIN] = p.Price
		if p.Source != "local.test" {
			t.Fatalf("open exchange must only vouch for local data, source %q", p.Source)
		}
	}
	if byISIN["CH0012032048"] != 312.5 || byISIN["US0378331005"] != 189.2 {
		t.Fatalf("wrong prices served: %v", byISIN)
	}
}

func TestLastPriceQueryWithoutNegotiation(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")

	env := NewEnvelope(OpLastPriceQuery)
	if err := env.SetPayload([]models.InstrumentRef{{ISIN: "CH0012032048", Currency: "CHF"}}); err != nil {
		t.Fatal(err)
	}

	_, perr := d.Dispatch(context.Background(), peer, env)
	if perr == nil || perr.Code != ErrValidation {
		t.Fatalf("expected validation error, got %v", perr)
	}
}

func TestLastPriceQueryClosedForMaintenance(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")
	if err := db.SaveEntityConfig(context.Background(), &models.EntityConfig{
		PeerID:          peer.ID,
		Kind:            models.KindLastPrice,
		AcceptRequest:   models.AcceptOpen,
		ServerState:     models.StateMaintenance,
		ExchangeEnabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	env := NewEnvelope(OpLastPriceQuery)
	if err := env.SetPayload([]models.InstrumentRef{{ISIN: "CH0012032048", Currency: "CHF"}}); err != nil {
		t.Fatal(err)
	}

	_, perr := d.Dispatch(context.Background(), peer, env)
	if perr == nil || perr.Code != ErrProcessing {
		t.Fatalf("expected processing error while in maintenance, got %v", perr)
	}
}

func TestPushOverLimitRejectedWithoutData(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")
	seedEntityConfig(t, db, peer, models.KindLastPrice, models.AcceptPushOpen, 2)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	records := []exchange.PushRecord{
		{InstrumentRef: models.InstrumentRef{ISIN: "XS0000000001", Currency: "USD"}, Price: 1, Timestamp: now},
		{InstrumentRef: models.InstrumentRef{ISIN: "XS0000000002", Currency: "USD"}, Price: 2, Timestamp: now},
		{InstrumentRef: models.InstrumentRef{ISIN: "XS0000000003", Currency: "USD"}, Price: 3, Timestamp: now},
	}
	env := NewEnvelope(OpLastPricePush)
	if err := env.SetPayload(records); err != nil {
		t.Fatal(err)
	}

	reply, perr := d.Dispatch(ctx, peer, env)
	if perr != nil {
		t.Fatalf("over-limit push must answer, not fail: %v", perr)
	}
	if reply == nil || reply.Opcode != OpLimitExceeded {
		t.Fatalf("expected limit exceeded, got %+v", reply)
	}
	if reply.ParamInt("offered") != 3 || reply.ParamInt("max") != 2 {
		t.Fatalf("wrong limit params: offered=%d max=%d", reply.ParamInt("offered"), reply.ParamInt("max"))
	}

	cfg, err := db.GetPeerConfig(ctx, peer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RequestViolations != 1 {
		t.Fatalf("expected one recorded violation, got %d", cfg.RequestViolations)
	}

	fi, err := db.GetForeignInstrument(ctx, "peer.test|XS0000000001|USD")
	if err != nil {
		t.Fatal(err)
	}
	if fi != nil {
		t.Fatal("over-limit push must not store any record")
	}
}

func TestPushRoutesByLocality(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")
	seedEntityConfig(t, db, peer, models.KindLastPrice, models.AcceptPushOpen, 100)
	seedSecurity(t, db, "CH0012032048", "CHF", 300.0)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	records := []exchange.PushRecord{
		{InstrumentRef: models.InstrumentRef{ISIN: "CH0012032048", Currency: "CHF"}, Price: 315.75, Timestamp: now},
		{InstrumentRef: models.InstrumentRef{ISIN: "JP3633400001", Currency: "JPY"}, Price: 2815, Timestamp: now},
	}
	env := NewEnvelope(OpLastPricePush)
	if err := env.SetPayload(records); err != nil {
		t.Fatal(err)
	}

	reply, perr := d.Dispatch(ctx, peer, env)
	if perr != nil {
		t.Fatalf("push failed: %v", perr)
	}
	if reply == nil || reply.Opcode != OpPushAck {
		t.Fatalf("expected push ack, got %+v", reply)
	}
	if reply.ParamInt("offered") != 2 || reply.ParamInt("accepted") != 2 {
		t.Fatalf("wrong ack counts: offered=%d accepted=%d", reply.ParamInt("offered"), reply.ParamInt("accepted"))
	}

	sec, err := db.GetSecurity(ctx, "CH0012032048", "CHF")
	if err != nil {
		t.Fatal(err)
	}
	if sec.LastPrice != 315.75 {
		t.Fatalf("local security not updated, price %v", sec.LastPrice)
	}

	fi, err := db.GetForeignInstrument(ctx, "peer.test|JP3633400001|JPY")
	if err != nil {
		t.Fatal(err)
	}
	if fi == nil {
		t.Fatal("untracked record must land in the foreign cache")
	}
	if fi.LastPrice != 2815 || fi.SourceDomain != "peer.test" {
		t.Fatalf("foreign cache entry wrong: %+v", fi)
	}
}

func TestPushRejectedOnOpenExchange(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")
	seedEntityConfig(t, db, peer, models.KindLastPrice, models.AcceptOpen, 100)

	env := NewEnvelope(OpLastPricePush)
	if err := env.SetPayload([]exchange.PushRecord{
		{InstrumentRef: models.InstrumentRef{ISIN: "CH0012032048", Currency: "CHF"}, Price: 1, Timestamp: time.Now().UnixMilli()},
	}); err != nil {
		t.Fatal(err)
	}

	_, perr := d.Dispatch(context.Background(), peer, env)
	if perr == nil || perr.Code != ErrValidation {
		t.Fatalf("push on an OPEN exchange must be rejected, got %v", perr)
	}
}

func TestHistoryQueryServesDateRange(t *testing.T) {
	d, db := newTestDispatcher(t, false)
	peer := seedPeer(t, db, "peer.test")
	seedEntityConfig(t, db, peer, models.KindHistoricalPrices, models.AcceptOpen, 100)
	seedSecurity(t, db, "CH0012032048", "CHF", 300.0)
	ctx := context.Background()

	ids, err := db.ResolveInstruments(ctx, []models.InstrumentRef{{ISIN: "CH0012032048", Currency: "CHF"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) == 0 || ids[0] == nil {
		t.Fatal("seeded security did not resolve")
	}
	day := func(s string) time.Time {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			t.Fatal(err)
		}
		return d
	}
	quotes := []models.HistoryQuote{
		{InstrumentID: *ids[0], Date: day("2026-08-24"), Close: 310},
		{InstrumentID: *ids[0], Date: day("2026-08-25"), Close: 312},
		{InstrumentID: *ids[0], Date: day("2026-08-26"), Close: 311},
	}
	if _, err := db.InsertHistoryQuotes(ctx, *ids[0], quotes); err != nil {
		t.Fatal(err)
	}

	env := NewEnvelope(OpHistoryQuery)
	env.SetString("isin", "CH0012032048")
	env.SetString("currency", "CHF")
	env.SetString("from", "2026-08-25")
	env.SetString("to", "2026-08-26")

	reply, perr := d.Dispatch(ctx, peer, env)
	if perr != nil {
		t.Fatalf("history query failed: %v", perr)
	}
	if reply == nil || reply.Opcode != OpHistoryData {
		t.Fatalf("expected history data, got %+v", reply)
	}

	var rows []exchange.HistoryRow
	if err := reply.UnmarshalPayload(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows in range, got %d", len(rows))
	}
	if rows[0].Date != "2026-08-25" || rows[1].Date != "2026-08-26" {
		t.Fatalf("wrong rows: %+v", rows)
	}
}
