package models

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind names a category of exchangeable data. Negotiation, limits and
// availability are all tracked per kind.
type EntityKind string

const (
	KindLastPrice        EntityKind = "LAST_PRICE"
	KindHistoricalPrices EntityKind = "HISTORICAL_PRICES"
	KindSecurityMetadata EntityKind = "SECURITY_METADATA"
)

// Kinds lists every exchangeable kind in canonical order.
var Kinds = []EntityKind{KindLastPrice, KindHistoricalPrices, KindSecurityMetadata}

// AcceptRequestType is the negotiated serving mode for one (peer, kind) pair.
type AcceptRequestType string

const (
	AcceptClosed   AcceptRequestType = "CLOSED"
	AcceptOpen     AcceptRequestType = "OPEN"
	AcceptPushOpen AcceptRequestType = "PUSH_OPEN"
)

// ServerState is the announced availability of a negotiated exchange.
type ServerState string

const (
	StateOpen        ServerState = "OPEN"
	StateClosed      ServerState = "CLOSED"
	StateMaintenance ServerState = "MAINTENANCE"
)

// Peer is a remote instance known to this one. The row survives rejection
// and revocation; only the nested configuration changes.
type Peer struct {
	ID                  uuid.UUID `json:"id"`
	Domain              string    `json:"domain"`
	SpreadCapable       bool      `json:"spread_capable"`
	AcceptEntityRequest bool      `json:"accept_entity_request"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// PeerConfig holds the private side of a peer relationship. TokenThis is
// what the peer must present to us, TokenRemote what we present to the peer;
// the two are always distinct secrets.
type PeerConfig struct {
	PeerID            uuid.UUID `json:"peer_id"`
	TokenRemote       string    `json:"-"`
	TokenThis         string    `json:"-"`
	RequestViolations int       `json:"request_violations"`
	LastpriceStatus   string    `json:"lastprice_status"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EntityConfig is the negotiation state for one (peer, kind) pair.
type EntityConfig struct {
	ID              uuid.UUID         `json:"id"`
	PeerID          uuid.UUID         `json:"peer_id"`
	Kind            EntityKind        `json:"kind"`
	AcceptRequest   AcceptRequestType `json:"accept_request"`
	ServerState     ServerState       `json:"server_state"`
	MaxInstruments  int               `json:"max_instruments"`
	ExchangeEnabled bool              `json:"exchange_enabled"`
	DetailLog       bool              `json:"detail_log"`
	Priority        int               `json:"priority"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Negotiated reports whether the pair ever reached an accepted exchange.
func (c *EntityConfig) Negotiated() bool {
	return c.AcceptRequest != AcceptClosed && c.AcceptRequest != ""
}
