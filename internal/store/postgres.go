package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grafioschtrader/gtnet/internal/models"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    pgQuerier
	inTx bool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool, q: pool}, nil
}

// RunMigrations applies the schema, creating tables that do not exist yet.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	schema := `
	CREATE TABLE IF NOT EXISTS peer (
		id UUID PRIMARY KEY,
		domain TEXT UNIQUE NOT NULL,
		spread_capable BOOLEAN DEFAULT FALSE,
		accept_entity_request BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS peer_config (
		peer_id UUID PRIMARY KEY REFERENCES peer(id) ON DELETE CASCADE,
		token_remote TEXT NOT NULL DEFAULT '',
		token_this TEXT NOT NULL DEFAULT '',
		request_violations INTEGER DEFAULT 0,
		lastprice_status TEXT DEFAULT '',
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS entity_config (
		id UUID PRIMARY KEY,
		peer_id UUID NOT NULL REFERENCES peer(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		accept_request TEXT NOT NULL,
		server_state TEXT NOT NULL,
		max_instruments INTEGER DEFAULT 0,
		exchange_enabled BOOLEAN DEFAULT FALSE,
		detail_log BOOLEAN DEFAULT FALSE,
		priority INTEGER DEFAULT 0,
		updated_at TIMESTAMPTZ DEFAULT NOW(),
		UNIQUE(peer_id, kind)
	);

	CREATE TABLE IF NOT EXISTS message (
		id TEXT PRIMARY KEY,
		peer_id UUID REFERENCES peer(id) ON DELETE SET NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		direction TEXT NOT NULL,
		opcode INTEGER NOT NULL,
		text TEXT DEFAULT '',
		params JSONB,
		payload BYTEA,
		reply_to TEXT REFERENCES message(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		visibility TEXT NOT NULL,
		read BOOLEAN DEFAULT FALSE,
		effective_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS answer_rule (
		id UUID PRIMARY KEY,
		request_opcode INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		condition TEXT NOT NULL,
		response_opcode INTEGER NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS delivery_attempt (
		message_id TEXT NOT NULL REFERENCES message(id) ON DELETE CASCADE,
		peer_id UUID NOT NULL REFERENCES peer(id) ON DELETE CASCADE,
		sent BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (message_id, peer_id)
	);

	CREATE TABLE IF NOT EXISTS security (
		id UUID PRIMARY KEY,
		isin TEXT NOT NULL,
		currency TEXT NOT NULL,
		name TEXT DEFAULT '',
		last_price DOUBLE PRECISION DEFAULT 0,
		last_price_time TIMESTAMPTZ,
		UNIQUE(isin, currency)
	);

	CREATE TABLE IF NOT EXISTS currency_pair (
		id UUID PRIMARY KEY,
		from_currency TEXT NOT NULL,
		to_currency TEXT NOT NULL,
		last_price DOUBLE PRECISION DEFAULT 0,
		last_price_time TIMESTAMPTZ,
		UNIQUE(from_currency, to_currency)
	);

	CREATE TABLE IF NOT EXISTS history_quote (
		instrument_id UUID NOT NULL,
		date DATE NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume BIGINT DEFAULT 0,
		PRIMARY KEY (instrument_id, date)
	);

	CREATE TABLE IF NOT EXISTS foreign_instrument (
		key TEXT PRIMARY KEY,
		source_domain TEXT NOT NULL,
		isin TEXT DEFAULT '',
		currency TEXT DEFAULT '',
		from_currency TEXT DEFAULT '',
		to_currency TEXT DEFAULT '',
		last_price DOUBLE PRECISION DEFAULT 0,
		last_price_time TIMESTAMPTZ,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS foreign_history (
		key TEXT NOT NULL,
		date DATE NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume BIGINT DEFAULT 0,
		PRIMARY KEY (key, date)
	);

	CREATE INDEX IF NOT EXISTS idx_message_reply_to ON message(reply_to);
	CREATE INDEX IF NOT EXISTS idx_message_opcode ON message(opcode);
	CREATE INDEX IF NOT EXISTS idx_answer_rule_opcode ON answer_rule(request_opcode, priority);
	CREATE INDEX IF NOT EXISTS idx_delivery_unsent ON delivery_attempt(sent) WHERE NOT sent;
	`

	_, err = conn.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Atomic runs fn inside a single transaction.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, st DataStore) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	txStore := &PostgresStore{pool: s.pool, q: tx, inTx: true}
	if err := fn(ctx, txStore); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetPeerByID(ctx context.Context, id uuid.UUID) (*models.Peer, error) {
	peer := &models.Peer{}
	err := s.q.QueryRow(ctx, `
		SELECT id, domain, spread_capable, accept_entity_request, created_at, updated_at
		FROM peer WHERE id = $1
	`, id).Scan(&peer.ID, &peer.Domain, &peer.SpreadCapable, &peer.AcceptEntityRequest, &peer.CreatedAt, &peer.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return peer, nil
}

func (s *PostgresStore) GetPeerByDomain(ctx context.Context, domain string) (*models.Peer, error) {
	peer := &models.Peer{}
	err := s.q.QueryRow(ctx, `
		SELECT id, domain, spread_capable, accept_entity_request, created_at, updated_at
		FROM peer WHERE domain = $1
	`, domain).Scan(&peer.ID, &peer.Domain, &peer.SpreadCapable, &peer.AcceptEntityRequest, &peer.CreatedAt, &peer.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return peer, nil
}

func (s *PostgresStore) UpsertPeer(ctx context.Context, peer *models.Peer) (*models.Peer, error) {
	id := peer.ID
	if id == uuid.Nil {
		id = uuid.Must(uuid.NewV7())
	}
	out := &models.Peer{}
	err := s.q.QueryRow(ctx, `
		INSERT INTO peer (id, domain, spread_capable, accept_entity_request)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (domain) DO UPDATE SET
			spread_capable = EXCLUDED.spread_capable,
			accept_entity_request = EXCLUDED.accept_entity_request,
			updated_at = NOW()
		RETURNING id, domain, spread_capable, accept_entity_request, created_at, updated_at
	`, id, peer.Domain, peer.SpreadCapable, peer.AcceptEntityRequest).Scan(
		&out.ID, &out.Domain, &out.SpreadCapable, &out.AcceptEntityRequest, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListPeers(ctx context.Context) ([]models.Peer, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, domain, spread_capable, accept_entity_request, created_at, updated_at
		FROM peer ORDER BY domain
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []models.Peer
	for rows.Next() {
		var p models.Peer
		if err := rows.Scan(&p.ID, &p.Domain, &p.SpreadCapable, &p.AcceptEntityRequest, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *PostgresStore) CountPeers(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM peer`).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetPeerConfig(ctx context.Context, peerID uuid.UUID) (*models.PeerConfig, error) {
	cfg := &models.PeerConfig{}
	err := s.q.QueryRow(ctx, `
		SELECT peer_id, token_remote, token_this, request_violations, lastprice_status, updated_at
		FROM peer_config WHERE peer_id = $1
	`, peerID).Scan(&cfg.PeerID, &cfg.TokenRemote, &cfg.TokenThis, &cfg.RequestViolations, &cfg.LastpriceStatus, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

func (s *PostgresStore) FindPeerConfigByToken(ctx context.Context, tokenThis string) (*models.PeerConfig, error) {
	cfg := &models.PeerConfig{}
	err := s.q.QueryRow(ctx, `
		SELECT peer_id, token_remote, token_this, request_violations, lastprice_status, updated_at
		FROM peer_config WHERE token_this = $1
	`, tokenThis).Scan(&cfg.PeerID, &cfg.TokenRemote, &cfg.TokenThis, &cfg.RequestViolations, &cfg.LastpriceStatus, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

func (s *PostgresStore) SavePeerConfig(ctx context.Context, cfg *models.PeerConfig) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO peer_config (peer_id, token_remote, token_this, request_violations, lastprice_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (peer_id) DO UPDATE SET
			token_remote = EXCLUDED.token_remote,
			token_this = EXCLUDED.token_this,
			request_violations = EXCLUDED.request_violations,
			lastprice_status = EXCLUDED.lastprice_status,
			updated_at = NOW()
	`, cfg.PeerID, cfg.TokenRemote, cfg.TokenThis, cfg.RequestViolations, cfg.LastpriceStatus)
	return err
}

func (s *PostgresStore) IncrementViolations(ctx context.Context, peerID uuid.UUID) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `
		INSERT INTO peer_config (peer_id, request_violations) VALUES ($1, 1)
		ON CONFLICT (peer_id) DO UPDATE SET
			request_violations = peer_config.request_violations + 1,
			updated_at = NOW()
		RETURNING request_violations
	`, peerID).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetEntityConfig(ctx context.Context, peerID uuid.UUID, kind models.EntityKind) (*models.EntityConfig, error) {
	cfg := &models.EntityConfig{}
	err := s.q.QueryRow(ctx, `
		SELECT id, peer_id, kind, accept_request, server_state, max_instruments, exchange_enabled, detail_log, priority, updated_at
		FROM entity_config WHERE peer_id = $1 AND kind = $2
	`, peerID, string(kind)).Scan(&cfg.ID, &cfg.PeerID, &cfg.Kind, &cfg.AcceptRequest, &cfg.ServerState,
		&cfg.MaxInstruments, &cfg.ExchangeEnabled, &cfg.DetailLog, &cfg.Priority, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

func (s *PostgresStore) ListEntityConfigs(ctx context.Context, peerID uuid.UUID) ([]models.EntityConfig, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, peer_id, kind, accept_request, server_state, max_instruments, exchange_enabled, detail_log, priority, updated_at
		FROM entity_config WHERE peer_id = $1 ORDER BY kind
	`, peerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.EntityConfig
	for rows.Next() {
		var c models.EntityConfig
		if err := rows.Scan(&c.ID, &c.PeerID, &c.Kind, &c.AcceptRequest, &c.ServerState,
			&c.MaxInstruments, &c.ExchangeEnabled, &c.DetailLog, &c.Priority, &c.UpdatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (s *PostgresStore) SaveEntityConfig(ctx context.Context, cfg *models.EntityConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.Must(uuid.NewV7())
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO entity_config (id, peer_id, kind, accept_request, server_state, max_instruments, exchange_enabled, detail_log, priority, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (peer_id, kind) DO UPDATE SET
			accept_request = EXCLUDED.accept_request,
			server_state = EXCLUDED.server_state,
			max_instruments = EXCLUDED.max_instruments,
			exchange_enabled = EXCLUDED.exchange_enabled,
			detail_log = EXCLUDED.detail_log,
			priority = EXCLUDED.priority,
			updated_at = NOW()
	`, cfg.ID, cfg.PeerID, string(cfg.Kind), string(cfg.AcceptRequest), string(cfg.ServerState),
		cfg.MaxInstruments, cfg.ExchangeEnabled, cfg.DetailLog, cfg.Priority)
	return err
}

func (s *PostgresStore) ClearEntityConfigs(ctx context.Context, peerID uuid.UUID) error {
	_, err := s.q.Exec(ctx, `DELETE FROM entity_config WHERE peer_id = $1`, peerID)
	return err
}

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	params, err := marshalParams(msg.Params)
	if err != nil {
		return err
	}
	var paramsArg any
	if params != "" {
		paramsArg = params
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO message (id, peer_id, timestamp, direction, opcode, text, params, payload, reply_to, status, visibility, read, effective_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, msg.ID, msg.PeerID, msg.Timestamp, string(msg.Direction), msg.Opcode, msg.Text, paramsArg, msg.Payload,
		msg.ReplyTo, string(msg.Status), string(msg.Visibility), msg.Read, msg.EffectiveAt)
	return err
}

const pgMessageCols = `id, peer_id, timestamp, direction, opcode, text, COALESCE(params::TEXT, ''), payload, reply_to, status, visibility, read, effective_at`

func scanPgMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var params string
	err := row.Scan(&msg.ID, &msg.PeerID, &msg.Timestamp, &msg.Direction, &msg.Opcode, &msg.Text,
		&params, &msg.Payload, &msg.ReplyTo, &msg.Status, &msg.Visibility, &msg.Read, &msg.EffectiveAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if msg.Params, err = unmarshalParams(params); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return scanPgMessage(s.q.QueryRow(ctx, `SELECT `+pgMessageCols+` FROM message WHERE id = $1`, id))
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id string, status models.DeliveryStatus) error {
	_, err := s.q.Exec(ctx, `UPDATE message SET status = $1 WHERE id = $2`, string(status), id)
	return err
}

func (s *PostgresStore) MarkMessageRead(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `UPDATE message SET read = TRUE WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ListMessages(ctx context.Context, includeAdminOnly bool, limit, offset int) ([]models.Message, error) {
	query := `SELECT ` + pgMessageCols + ` FROM message`
	args := []any{}
	if !includeAdminOnly {
		query += ` WHERE visibility != $1`
		args = append(args, string(models.VisAdminOnly))
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id LIMIT ` + strconv.Itoa(limit) + ` OFFSET ` + strconv.Itoa(offset)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgMessages(rows)
}

func collectPgMessages(rows pgx.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		var params string
		if err := rows.Scan(&msg.ID, &msg.PeerID, &msg.Timestamp, &msg.Direction, &msg.Opcode, &msg.Text,
			&params, &msg.Payload, &msg.ReplyTo, &msg.Status, &msg.Visibility, &msg.Read, &msg.EffectiveAt); err != nil {
			return nil, err
		}
		var err error
		if msg.Params, err = unmarshalParams(params); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) HasReply(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM message WHERE reply_to = $1`, id).Scan(&n)
	return n > 0, err
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM message WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) SaveAnswerRule(ctx context.Context, rule *models.AnswerRule) error {
	now := time.Now()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.Must(uuid.NewV7())
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	_, err := s.q.Exec(ctx, `
		INSERT INTO answer_rule (id, request_opcode, priority, condition, response_opcode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			request_opcode = EXCLUDED.request_opcode,
			priority = EXCLUDED.priority,
			condition = EXCLUDED.condition,
			response_opcode = EXCLUDED.response_opcode,
			updated_at = EXCLUDED.updated_at
	`, rule.ID, rule.RequestOpcode, rule.Priority, rule.Condition, rule.ResponseOpcode, rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (s *PostgresStore) ListAnswerRules(ctx context.Context, requestOpcode int) ([]models.AnswerRule, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, request_opcode, priority, condition, response_opcode, created_at, updated_at
		FROM answer_rule WHERE request_opcode = $1 ORDER BY priority
	`, requestOpcode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.AnswerRule
	for rows.Next() {
		var r models.AnswerRule
		if err := rows.Scan(&r.ID, &r.RequestOpcode, &r.Priority, &r.Condition, &r.ResponseOpcode, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) DeleteAnswerRule(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `DELETE FROM answer_rule WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) CreateDeliveryAttempt(ctx context.Context, messageID string, peerID uuid.UUID) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO delivery_attempt (message_id, peer_id, sent)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (message_id, peer_id) DO NOTHING
	`, messageID, peerID)
	return err
}

func (s *PostgresStore) ListAttempts(ctx context.Context, messageID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.q.Query(ctx, `
		SELECT message_id, peer_id, sent, created_at
		FROM delivery_attempt WHERE message_id = $1 ORDER BY peer_id
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgAttempts(rows)
}

func (s *PostgresStore) ListUnsentAttempts(ctx context.Context) ([]models.DeliveryAttempt, error) {
	rows, err := s.q.Query(ctx, `
		SELECT message_id, peer_id, sent, created_at
		FROM delivery_attempt WHERE NOT sent ORDER BY message_id, peer_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgAttempts(rows)
}

func collectPgAttempts(rows pgx.Rows) ([]models.DeliveryAttempt, error) {
	var out []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		if err := rows.Scan(&a.MessageID, &a.PeerID, &a.Sent, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkAttemptSent(ctx context.Context, messageID string, peerID uuid.UUID) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE delivery_attempt SET sent = TRUE
		WHERE message_id = $1 AND peer_id = $2 AND NOT sent
	`, messageID, peerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteAttempt(ctx context.Context, messageID string, peerID uuid.UUID) error {
	_, err := s.q.Exec(ctx, `
		DELETE FROM delivery_attempt WHERE message_id = $1 AND peer_id = $2
	`, messageID, peerID)
	return err
}

func (s *PostgresStore) DeleteUnsentAttempts(ctx context.Context, messageID string, peerIDs []uuid.UUID) (int, error) {
	tag, err := s.q.Exec(ctx, `
		DELETE FROM delivery_attempt
		WHERE message_id = $1 AND peer_id = ANY($2) AND NOT sent
	`, messageID, peerIDs)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListOpenBroadcasts(ctx context.Context, opcodes []int) ([]models.Message, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+pgMessageCols+` FROM message
		WHERE direction = $1 AND status = $2 AND opcode = ANY($3)
		ORDER BY id
	`, string(models.DirSend), string(models.DeliveryPending), opcodes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgMessages(rows)
}

func (s *PostgresStore) ResolveInstruments(ctx context.Context, refs []models.InstrumentRef) ([]*uuid.UUID, error) {
	out := make([]*uuid.UUID, len(refs))
	for i, ref := range refs {
		var id uuid.UUID
		var err error
		if ref.IsCurrencyPair() {
			err = s.q.QueryRow(ctx, `
				SELECT id FROM currency_pair WHERE from_currency = $1 AND to_currency = $2
			`, ref.FromCurrency, ref.ToCurrency).Scan(&id)
		} else {
			err = s.q.QueryRow(ctx, `
				SELECT id FROM security WHERE isin = $1 AND currency = $2
			`, ref.ISIN, ref.Currency).Scan(&id)
		}
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, err
		}
		cp := id
		out[i] = &cp
	}
	return out, nil
}

func (s *PostgresStore) GetSecurity(ctx context.Context, isin, currency string) (*models.Security, error) {
	sec := &models.Security{}
	err := s.q.QueryRow(ctx, `
		SELECT id, isin, currency, name, last_price, last_price_time
		FROM security WHERE isin = $1 AND currency = $2
	`, isin, currency).Scan(&sec.ID, &sec.ISIN, &sec.Currency, &sec.Name, &sec.LastPrice, &sec.LastPriceTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sec, nil
}

func (s *PostgresStore) GetCurrencyPair(ctx context.Context, from, to string) (*models.CurrencyPair, error) {
	pair := &models.CurrencyPair{}
	err := s.q.QueryRow(ctx, `
		SELECT id, from_currency, to_currency, last_price, last_price_time
		FROM currency_pair WHERE from_currency = $1 AND to_currency = $2
	`, from, to).Scan(&pair.ID, &pair.FromCurrency, &pair.ToCurrency, &pair.LastPrice, &pair.LastPriceTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return pair, nil
}

func (s *PostgresStore) CreateSecurity(ctx context.Context, sec *models.Security) error {
	if sec.ID == uuid.Nil {
		sec.ID = uuid.Must(uuid.NewV7())
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO security (id, isin, currency, name, last_price, last_price_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sec.ID, sec.ISIN, sec.Currency, sec.Name, sec.LastPrice, sec.LastPriceTime)
	return err
}

func (s *PostgresStore) CreateCurrencyPair(ctx context.Context, pair *models.CurrencyPair) error {
	if pair.ID == uuid.Nil {
		pair.ID = uuid.Must(uuid.NewV7())
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO currency_pair (id, from_currency, to_currency, last_price, last_price_time)
		VALUES ($1, $2, $3, $4, $5)
	`, pair.ID, pair.FromCurrency, pair.ToCurrency, pair.LastPrice, pair.LastPriceTime)
	return err
}

func (s *PostgresStore) UpdateSecurityLastPrice(ctx context.Context, id uuid.UUID, price float64, at time.Time) error {
	_, err := s.q.Exec(ctx, `
		UPDATE security SET last_price = $1, last_price_time = $2 WHERE id = $3
	`, price, at, id)
	return err
}

func (s *PostgresStore) UpdateCurrencyPairLastPrice(ctx context.Context, id uuid.UUID, price float64, at time.Time) error {
	_, err := s.q.Exec(ctx, `
		UPDATE currency_pair SET last_price = $1, last_price_time = $2 WHERE id = $3
	`, price, at, id)
	return err
}

func (s *PostgresStore) InsertHistoryQuotes(ctx context.Context, instrumentID uuid.UUID, quotes []models.HistoryQuote) (int, error) {
	accepted := 0
	for _, q := range quotes {
		tag, err := s.q.Exec(ctx, `
			INSERT INTO history_quote (instrument_id, date, close, volume)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (instrument_id, date) DO NOTHING
		`, instrumentID, q.Date, q.Close, q.Volume)
		if err != nil {
			return accepted, err
		}
		if tag.RowsAffected() > 0 {
			accepted++
		}
	}
	return accepted, nil
}

func (s *PostgresStore) ListHistoryQuotes(ctx context.Context, instrumentID uuid.UUID, from, to time.Time) ([]models.HistoryQuote, error) {
	rows, err := s.q.Query(ctx, `
		SELECT instrument_id, date, close, volume
		FROM history_quote WHERE instrument_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date
	`, instrumentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HistoryQuote
	for rows.Next() {
		var q models.HistoryQuote
		if err := rows.Scan(&q.InstrumentID, &q.Date, &q.Close, &q.Volume); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertForeignInstrument(ctx context.Context, fi *models.ForeignInstrument) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO foreign_instrument (key, source_domain, isin, currency, from_currency, to_currency, last_price, last_price_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			last_price = EXCLUDED.last_price,
			last_price_time = EXCLUDED.last_price_time
	`, fi.Key, fi.SourceDomain, fi.ISIN, fi.Currency, fi.FromCurrency, fi.ToCurrency, fi.LastPrice, fi.LastPriceTime)
	return err
}

func (s *PostgresStore) GetForeignInstrument(ctx context.Context, key string) (*models.ForeignInstrument, error) {
	fi := &models.ForeignInstrument{}
	err := s.q.QueryRow(ctx, `
		SELECT key, source_domain, isin, currency, from_currency, to_currency, last_price, last_price_time, created_at
		FROM foreign_instrument WHERE key = $1
	`, key).Scan(&fi.Key, &fi.SourceDomain, &fi.ISIN, &fi.Currency, &fi.FromCurrency, &fi.ToCurrency,
		&fi.LastPrice, &fi.LastPriceTime, &fi.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return fi, nil
}

func (s *PostgresStore) InsertForeignHistory(ctx context.Context, key string, quotes []models.HistoryQuote) (int, error) {
	accepted := 0
	for _, q := range quotes {
		tag, err := s.q.Exec(ctx, `
			INSERT INTO foreign_history (key, date, close, volume)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key, date) DO NOTHING
		`, key, q.Date, q.Close, q.Volume)
		if err != nil {
			return accepted, err
		}
		if tag.RowsAffected() > 0 {
			accepted++
		}
	}
	return accepted, nil
}

func (s *PostgresStore) CountForeignHistory(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM foreign_history WHERE key = $1`, key).Scan(&n)
	return n, err
}

