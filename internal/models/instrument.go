package models

import (
	"time"

	"github.com/google/uuid"
)

// Security is a locally tracked instrument, identified by ISIN and currency.
type Security struct {
	ID            uuid.UUID  `json:"id"`
	ISIN          string     `json:"isin"`
	Currency      string     `json:"currency"`
	Name          string     `json:"name,omitempty"`
	LastPrice     float64    `json:"last_price,omitempty"`
	LastPriceTime *time.Time `json:"last_price_time,omitempty"`
}

// CurrencyPair is a locally tracked FX instrument.
type CurrencyPair struct {
	ID            uuid.UUID  `json:"id"`
	FromCurrency  string     `json:"from_currency"`
	ToCurrency    string     `json:"to_currency"`
	LastPrice     float64    `json:"last_price,omitempty"`
	LastPriceTime *time.Time `json:"last_price_time,omitempty"`
}

// HistoryQuote is one end-of-day price row for an instrument. The
// (instrument, date) pair is unique; pushes never overwrite existing rows.
type HistoryQuote struct {
	InstrumentID uuid.UUID `json:"instrument_id"`
	Date         time.Time `json:"date"`
	Close        float64   `json:"close"`
	Volume       int64     `json:"volume,omitempty"`
}

// ForeignInstrument is a pushed instrument with no matching local security or
// currency pair, held in a separate cache under a synthetic cross-peer key.
type ForeignInstrument struct {
	Key           string     `json:"key"` // domain|isin|currency or domain|from|to
	SourceDomain  string     `json:"source_domain"`
	ISIN          string     `json:"isin,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	FromCurrency  string     `json:"from_currency,omitempty"`
	ToCurrency    string     `json:"to_currency,omitempty"`
	LastPrice     float64    `json:"last_price,omitempty"`
	LastPriceTime *time.Time `json:"last_price_time,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// InstrumentRef addresses one instrument in an exchange request or push.
type InstrumentRef struct {
	ISIN         string `json:"isin,omitempty"`
	Currency     string `json:"currency,omitempty"`
	FromCurrency string `json:"from,omitempty"`
	ToCurrency   string `json:"to,omitempty"`
}

// IsCurrencyPair reports whether the reference addresses an FX pair rather
// than a security.
func (r InstrumentRef) IsCurrencyPair() bool {
	return r.ISIN == "" && r.FromCurrency != "" && r.ToCurrency != ""
}

// SyntheticKey builds the cross-peer identity for the foreign cache.
func (r InstrumentRef) SyntheticKey(domain string) string {
	if r.IsCurrencyPair() {
		return domain + "|" + r.FromCurrency + "|" + r.ToCurrency
	}
	return domain + "|" + r.ISIN + "|" + r.Currency
}
