package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/grafioschtrader/gtnet/internal/models"
)

// DataStore defines the interface for persistent storage of the federation
// state. PostgresStore, SQLiteStore and MemoryStore implement this interface.
//
// Every method is individually atomic. Atomic groups several calls into one
// unit of work; inbound message persistence and its side effects commit or
// fail together, per peer call.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error
	Atomic(ctx context.Context, fn func(ctx context.Context, s DataStore) error) error

	// Peer operations
	GetPeerByID(ctx context.Context, id uuid.UUID) (*models.Peer, error)
	GetPeerByDomain(ctx context.Context, domain string) (*models.Peer, error)
	UpsertPeer(ctx context.Context, peer *models.Peer) (*models.Peer, error)
	ListPeers(ctx context.Context) ([]models.Peer, error)
	CountPeers(ctx context.Context) (int64, error)

	// PeerConfig operations
	GetPeerConfig(ctx context.Context, peerID uuid.UUID) (*models.PeerConfig, error)
	FindPeerConfigByToken(ctx context.Context, tokenThis string) (*models.PeerConfig, error)
	SavePeerConfig(ctx context.Context, cfg *models.PeerConfig) error
	IncrementViolations(ctx context.Context, peerID uuid.UUID) (int, error)

	// EntityConfig operations
	GetEntityConfig(ctx context.Context, peerID uuid.UUID, kind models.EntityKind) (*models.EntityConfig, error)
	ListEntityConfigs(ctx context.Context, peerID uuid.UUID) ([]models.EntityConfig, error)
	SaveEntityConfig(ctx context.Context, cfg *models.EntityConfig) error
	ClearEntityConfigs(ctx context.Context, peerID uuid.UUID) error

	// Message operations
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status models.DeliveryStatus) error
	MarkMessageRead(ctx context.Context, id string) error
	ListMessages(ctx context.Context, includeAdminOnly bool, limit, offset int) ([]models.Message, error)
	HasReply(ctx context.Context, id string) (bool, error)
	DeleteMessage(ctx context.Context, id string) error

	// AnswerRule operations
	SaveAnswerRule(ctx context.Context, rule *models.AnswerRule) error
	ListAnswerRules(ctx context.Context, requestOpcode int) ([]models.AnswerRule, error)
	DeleteAnswerRule(ctx context.Context, id uuid.UUID) error

	// DeliveryAttempt operations
	CreateDeliveryAttempt(ctx context.Context, messageID string, peerID uuid.UUID) error
	ListAttempts(ctx context.Context, messageID string) ([]models.DeliveryAttempt, error)
	ListUnsentAttempts(ctx context.Context) ([]models.DeliveryAttempt, error)
	MarkAttemptSent(ctx context.Context, messageID string, peerID uuid.UUID) (bool, error)
	DeleteAttempt(ctx context.Context, messageID string, peerID uuid.UUID) error
	DeleteUnsentAttempts(ctx context.Context, messageID string, peerIDs []uuid.UUID) (int, error)
	ListOpenBroadcasts(ctx context.Context, opcodes []int) ([]models.Message, error)

	// Instrument operations
	ResolveInstruments(ctx context.Context, refs []models.InstrumentRef) ([]*uuid.UUID, error)
	GetSecurity(ctx context.Context, isin, currency string) (*models.Security, error)
	GetCurrencyPair(ctx context.Context, from, to string) (*models.CurrencyPair, error)
	CreateSecurity(ctx context.Context, sec *models.Security) error
	CreateCurrencyPair(ctx context.Context, pair *models.CurrencyPair) error
	UpdateSecurityLastPrice(ctx context.Context, id uuid.UUID, price float64, at time.Time) error
	UpdateCurrencyPairLastPrice(ctx context.Context, id uuid.UUID, price float64, at time.Time) error
	InsertHistoryQuotes(ctx context.Context, instrumentID uuid.UUID, quotes []models.HistoryQuote) (int, error)
	ListHistoryQuotes(ctx context.Context, instrumentID uuid.UUID, from, to time.Time) ([]models.HistoryQuote, error)
	UpsertForeignInstrument(ctx context.Context, fi *models.ForeignInstrument) error
	GetForeignInstrument(ctx context.Context, key string) (*models.ForeignInstrument, error)
	InsertForeignHistory(ctx context.Context, key string, quotes []models.HistoryQuote) (int, error)
	CountForeignHistory(ctx context.Context, key string) (int64, error)
}
