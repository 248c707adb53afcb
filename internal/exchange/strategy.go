package exchange

import (
	"context"
	"time"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// PricePoint is one served last price on the wire.
type PricePoint struct {
	models.InstrumentRef
	Price     float64 `json:"price"`
	Timestamp int64   `json:"ts"` // Unix ms
	Source    string  `json:"source,omitempty"`
}

// HistoryRow is one end-of-day close on the wire. Dates use ISO 8601 day
// precision.
type HistoryRow struct {
	Date   string  `json:"date"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume,omitempty"`
}

// PushRecord is one pushed instrument with its latest price and optionally a
// backlog of history rows.
type PushRecord struct {
	models.InstrumentRef
	Price     float64      `json:"price"`
	Timestamp int64        `json:"ts"` // Unix ms
	History   []HistoryRow `json:"history,omitempty"`
}

// Strategy serves and absorbs price data for one negotiated exchange mode.
// The DataStore is passed per call so strategies run inside the caller's
// unit of work.
type Strategy interface {
	Mode() models.AcceptRequestType

	// LastPrices answers a query. Unknown instruments are silently skipped;
	// the reply carries only what this instance can vouch for.
	LastPrices(ctx context.Context, db store.DataStore, refs []models.InstrumentRef) ([]PricePoint, error)

	// Absorb stores pushed records and returns how many were accepted.
	Absorb(ctx context.Context, db store.DataStore, sourceDomain string, records []PushRecord) (int, error)
}

// ForConfig selects the strategy for a negotiated entity configuration.
// PUSH_OPEN layers the shared pool and the foreign cache on top of the plain
// open exchange.
func ForConfig(cfg *models.EntityConfig, redis *store.RedisStore, domain string) Strategy {
	if cfg != nil && cfg.AcceptRequest == models.AcceptPushOpen {
		return &PushStrategy{redis: redis, domain: domain}
	}
	return &OpenStrategy{domain: domain}
}

// parseDay parses a wire-format history date.
func parseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

func formatDay(t time.Time) string {
	return t.Format("2006-01-02")
}
