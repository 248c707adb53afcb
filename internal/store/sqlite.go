package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/grafioschtrader/gtnet/internal/models"
)

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db   *sql.DB
	q    sqlQuerier
	inTx bool
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/gtnet.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/gtnet.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db, q: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS peer (
		id TEXT PRIMARY KEY,
		domain TEXT UNIQUE NOT NULL,
		spread_capable INTEGER DEFAULT 0,
		accept_entity_request INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS peer_config (
		peer_id TEXT PRIMARY KEY REFERENCES peer(id) ON DELETE CASCADE,
		token_remote TEXT NOT NULL DEFAULT '',
		token_this TEXT NOT NULL DEFAULT '',
		request_violations INTEGER DEFAULT 0,
		lastprice_status TEXT DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS entity_config (
		id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL REFERENCES peer(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		accept_request TEXT NOT NULL,
		server_state TEXT NOT NULL,
		max_instruments INTEGER DEFAULT 0,
		exchange_enabled INTEGER DEFAULT 0,
		detail_log INTEGER DEFAULT 0,
		priority INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(peer_id, kind)
	);

	CREATE TABLE IF NOT EXISTS message (
		id TEXT PRIMARY KEY,
		peer_id TEXT REFERENCES peer(id) ON DELETE SET NULL,
		timestamp DATETIME NOT NULL,
		direction TEXT NOT NULL,
		opcode INTEGER NOT NULL,
		text TEXT DEFAULT '',
		params TEXT DEFAULT '',
		payload BLOB,
		reply_to TEXT REFERENCES message(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		visibility TEXT NOT NULL,
		read INTEGER DEFAULT 0,
		effective_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS answer_rule (
		id TEXT PRIMARY KEY,
		request_opcode INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		condition TEXT NOT NULL,
		response_opcode INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS delivery_attempt (
		message_id TEXT NOT NULL REFERENCES message(id) ON DELETE CASCADE,
		peer_id TEXT NOT NULL REFERENCES peer(id) ON DELETE CASCADE,
		sent INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (message_id, peer_id)
	);

	CREATE TABLE IF NOT EXISTS security (
		id TEXT PRIMARY KEY,
		isin TEXT NOT NULL,
		currency TEXT NOT NULL,
		name TEXT DEFAULT '',
		last_price REAL DEFAULT 0,
		last_price_time DATETIME,
		UNIQUE(isin, currency)
	);

	CREATE TABLE IF NOT EXISTS currency_pair (
		id TEXT PRIMARY KEY,
		from_currency TEXT NOT NULL,
		to_currency TEXT NOT NULL,
		last_price REAL DEFAULT 0,
		last_price_time DATETIME,
		UNIQUE(from_currency, to_currency)
	);

	CREATE TABLE IF NOT EXISTS history_quote (
		instrument_id TEXT NOT NULL,
		date TEXT NOT NULL,
		close REAL NOT NULL,
		volume INTEGER DEFAULT 0,
		PRIMARY KEY (instrument_id, date)
	);

	CREATE TABLE IF NOT EXISTS foreign_instrument (
		key TEXT PRIMARY KEY,
		source_domain TEXT NOT NULL,
		isin TEXT DEFAULT '',
		currency TEXT DEFAULT '',
		from_currency TEXT DEFAULT '',
		to_currency TEXT DEFAULT '',
		last_price REAL DEFAULT 0,
		last_price_time DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS foreign_history (
		key TEXT NOT NULL,
		date TEXT NOT NULL,
		close REAL NOT NULL,
		volume INTEGER DEFAULT 0,
		PRIMARY KEY (key, date)
	);

	CREATE INDEX IF NOT EXISTS idx_message_reply_to ON message(reply_to);
	CREATE INDEX IF NOT EXISTS idx_message_opcode ON message(opcode);
	CREATE INDEX IF NOT EXISTS idx_answer_rule_opcode ON answer_rule(request_opcode, priority);
	CREATE INDEX IF NOT EXISTS idx_delivery_unsent ON delivery_attempt(sent);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Atomic runs fn inside a single transaction.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(ctx context.Context, st DataStore) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	txStore := &SQLiteStore{db: s.db, q: tx, inTx: true}
	if err := fn(ctx, txStore); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) scanPeer(row *sql.Row) (*models.Peer, error) {
	peer := &models.Peer{}
	var id string
	err := row.Scan(&id, &peer.Domain, &peer.SpreadCapable, &peer.AcceptEntityRequest, &peer.CreatedAt, &peer.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	peer.ID = uuid.MustParse(id)
	return peer, nil
}

func (s *SQLiteStore) GetPeerByID(ctx context.Context, id uuid.UUID) (*models.Peer, error) {
	return s.scanPeer(s.q.QueryRowContext(ctx, `
		SELECT id, domain, spread_capable, accept_entity_request, created_at, updated_at
		FROM peer WHERE id = ?
	`, id.String()))
}

func (s *SQLiteStore) GetPeerByDomain(ctx context.Context, domain string) (*models.Peer, error) {
	return s.scanPeer(s.q.QueryRowContext(ctx, `
		SELECT id, domain, spread_capable, accept_entity_request, created_at, updated_at
		FROM peer WHERE domain = ?
	`, domain))
}

func (s *SQLiteStore) UpsertPeer(ctx context.Context, peer *models.Peer) (*models.Peer, error) {
	existing, err := s.GetPeerByDomain(ctx, peer.Domain)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if existing != nil {
		_, err = s.q.ExecContext(ctx, `
			UPDATE peer SET spread_capable = ?, accept_entity_request = ?, updated_at = ?
			WHERE id = ?
		`, peer.SpreadCapable, peer.AcceptEntityRequest, now, existing.ID.String())
		if err != nil {
			return nil, err
		}
		return s.GetPeerByID(ctx, existing.ID)
	}
	id := peer.ID
	if id == uuid.Nil {
		id = uuid.Must(uuid.NewV7())
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO peer (id, domain, spread_capable, accept_entity_request, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), peer.Domain, peer.SpreadCapable, peer.AcceptEntityRequest, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetPeerByID(ctx, id)
}

func (s *SQLiteStore) ListPeers(ctx context.Context) ([]models.Peer, error) {
	rows, err := s.q.QueryContext(ctx, `
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
		var id string
		if err := rows.Scan(&id, &p.Domain, &p.SpreadCapable, &p.AcceptEntityRequest, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.ID = uuid.MustParse(id)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *SQLiteStore) CountPeers(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM peer`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) scanPeerConfig(row *sql.Row) (*models.PeerConfig, error) {
	cfg := &models.PeerConfig{}
	var id string
	err := row.Scan(&id, &cfg.TokenRemote, &cfg.TokenThis, &cfg.RequestViolations, &cfg.LastpriceStatus, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cfg.PeerID = uuid.MustParse(id)
	return cfg, nil
}

func (s *SQLiteStore) GetPeerConfig(ctx context.Context, peerID uuid.UUID) (*models.PeerConfig, error) {
	return s.scanPeerConfig(s.q.QueryRowContext(ctx, `
		SELECT peer_id, token_remote, token_this, request_violations, lastprice_status, updated_at
		FROM peer_config WHERE peer_id = ?
	`, peerID.String()))
}

func (s *SQLiteStore) FindPeerConfigByToken(ctx context.Context, tokenThis string) (*models.PeerConfig, error) {
	return s.scanPeerConfig(s.q.QueryRowContext(ctx, `
		SELECT peer_id, token_remote, token_this, request_violations, lastprice_status, updated_at
		FROM peer_config WHERE token_this = ?
	`, tokenThis))
}

func (s *SQLiteStore) SavePeerConfig(ctx context.Context, cfg *models.PeerConfig) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO peer_config (peer_id, token_remote, token_this, request_violations, lastprice_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			token_remote = excluded.token_remote,
			token_this = excluded.token_this,
			request_violations = excluded.request_violations,
			lastprice_status = excluded.lastprice_status,
			updated_at = excluded.updated_at
	`, cfg.PeerID.String(), cfg.TokenRemote, cfg.TokenThis, cfg.RequestViolations, cfg.LastpriceStatus, time.Now())
	return err
}

func (s *SQLiteStore) IncrementViolations(ctx context.Context, peerID uuid.UUID) (int, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO peer_config (peer_id, request_violations, updated_at) VALUES (?, 1, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			request_violations = request_violations + 1,
			updated_at = excluded.updated_at
	`, peerID.String(), time.Now())
	if err != nil {
		return 0, err
	}
	var n int
	err = s.q.QueryRowContext(ctx, `SELECT request_violations FROM peer_config WHERE peer_id = ?`, peerID.String()).Scan(&n)
	return n, err
}

func (s *SQLiteStore) scanEntityConfig(row *sql.Row) (*models.EntityConfig, error) {
	cfg := &models.EntityConfig{}
	var id, peerID string
	err := row.Scan(&id, &peerID, &cfg.Kind, &cfg.AcceptRequest, &cfg.ServerState,
		&cfg.MaxInstruments, &cfg.ExchangeEnabled, &cfg.DetailLog, &cfg.Priority, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cfg.ID = uuid.MustParse(id)
	cfg.PeerID = uuid.MustParse(peerID)
	return cfg, nil
}

func (s *SQLiteStore) GetEntityConfig(ctx context.Context, peerID uuid.UUID, kind models.EntityKind) (*models.EntityConfig, error) {
	return s.scanEntityConfig(s.q.QueryRowContext(ctx, `
		SELECT id, peer_id, kind, accept_request, server_state, max_instruments, exchange_enabled, detail_log, priority, updated_at
		FROM entity_config WHERE peer_id = ? AND kind = ?
	`, peerID.String(), string(kind)))
}

func (s *SQLiteStore) ListEntityConfigs(ctx context.Context, peerID uuid.UUID) ([]models.EntityConfig, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, peer_id, kind, accept_request, server_state, max_instruments, exchange_enabled, detail_log, priority, updated_at
		FROM entity_config WHERE peer_id = ? ORDER BY kind
	`, peerID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.EntityConfig
	for rows.Next() {
		var c models.EntityConfig
		var id, pid string
		if err := rows.Scan(&id, &pid, &c.Kind, &c.AcceptRequest, &c.ServerState,
			&c.MaxInstruments, &c.ExchangeEnabled, &c.DetailLog, &c.Priority, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.ID = uuid.MustParse(id)
		c.PeerID = uuid.MustParse(pid)
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (s *SQLiteStore) SaveEntityConfig(ctx context.Context, cfg *models.EntityConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.Must(uuid.NewV7())
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO entity_config (id, peer_id, kind, accept_request, server_state, max_instruments, exchange_enabled, detail_log, priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id, kind) DO UPDATE SET
			accept_request = excluded.accept_request,
			server_state = excluded.server_state,
			max_instruments = excluded.max_instruments,
			exchange_enabled = excluded.exchange_enabled,
			detail_log = excluded.detail_log,
			priority = excluded.priority,
			updated_at = excluded.updated_at
	`, cfg.ID.String(), cfg.PeerID.String(), string(cfg.Kind), string(cfg.AcceptRequest), string(cfg.ServerState),
		cfg.MaxInstruments, cfg.ExchangeEnabled, cfg.DetailLog, cfg.Priority, time.Now())
	return err
}

func (s *SQLiteStore) ClearEntityConfigs(ctx context.Context, peerID uuid.UUID) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM entity_config WHERE peer_id = ?`, peerID.String())
	return err
}

func marshalParams(params map[string]models.ParamValue) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalParams(raw string) (map[string]models.ParamValue, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]models.ParamValue
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	params, err := marshalParams(msg.Params)
	if err != nil {
		return err
	}
	var peerID any
	if msg.PeerID != nil {
		peerID = msg.PeerID.String()
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO message (id, peer_id, timestamp, direction, opcode, text, params, payload, reply_to, status, visibility, read, effective_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, peerID, msg.Timestamp, string(msg.Direction), msg.Opcode, msg.Text, params, msg.Payload,
		msg.ReplyTo, string(msg.Status), string(msg.Visibility), msg.Read, msg.EffectiveAt)
	return err
}

func (s *SQLiteStore) scanMessage(row *sql.Row) (*models.Message, error) {
	msg := &models.Message{}
	var peerID, replyTo sql.NullString
	var params string
	var effectiveAt sql.NullTime
	err := row.Scan(&msg.ID, &peerID, &msg.Timestamp, &msg.Direction, &msg.Opcode, &msg.Text,
		&params, &msg.Payload, &replyTo, &msg.Status, &msg.Visibility, &msg.Read, &effectiveAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if peerID.Valid {
		id := uuid.MustParse(peerID.String)
		msg.PeerID = &id
	}
	if replyTo.Valid {
		msg.ReplyTo = &replyTo.String
	}
	if effectiveAt.Valid {
		msg.EffectiveAt = &effectiveAt.Time
	}
	msg.Params, err = unmarshalParams(params)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

const messageCols = `id, peer_id, timestamp, direction, opcode, text, params, payload, reply_to, status, visibility, read, effective_at`

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.scanMessage(s.q.QueryRowContext(ctx, `SELECT `+messageCols+` FROM message WHERE id = ?`, id))
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, status models.DeliveryStatus) error {
	_, err := s.q.ExecContext(ctx, `UPDATE message SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE message SET read = 1 WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, includeAdminOnly bool, limit, offset int) ([]models.Message, error) {
	query := `SELECT ` + messageCols + ` FROM message`
	args := []any{}
	if !includeAdminOnly {
		query += ` WHERE visibility != ?`
		args = append(args, string(models.VisAdminOnly))
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		var peerID, replyTo sql.NullString
		var params string
		var effectiveAt sql.NullTime
		if err := rows.Scan(&msg.ID, &peerID, &msg.Timestamp, &msg.Direction, &msg.Opcode, &msg.Text,
			&params, &msg.Payload, &replyTo, &msg.Status, &msg.Visibility, &msg.Read, &effectiveAt); err != nil {
			return nil, err
		}
		if peerID.Valid {
			id := uuid.MustParse(peerID.String)
			msg.PeerID = &id
		}
		if replyTo.Valid {
			msg.ReplyTo = &replyTo.String
		}
		if effectiveAt.Valid {
			msg.EffectiveAt = &effectiveAt.Time
		}
		if msg.Params, err = unmarshalParams(params); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) HasReply(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM message WHERE reply_to = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	// Replies and attempts cascade via foreign keys.
	_, err := s.q.ExecContext(ctx, `DELETE FROM message WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) SaveAnswerRule(ctx context.Context, rule *models.AnswerRule) error {
	now := time.Now()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.Must(uuid.NewV7())
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO answer_rule (id, request_opcode, priority, condition, response_opcode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request_opcode = excluded.request_opcode,
			priority = excluded.priority,
			condition = excluded.condition,
			response_opcode = excluded.response_opcode,
			updated_at = excluded.updated_at
	`, rule.ID.String(), rule.RequestOpcode, rule.Priority, rule.Condition, rule.ResponseOpcode, rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (s *SQLiteStore) ListAnswerRules(ctx context.Context, requestOpcode int) ([]models.AnswerRule, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, request_opcode, priority, condition, response_opcode, created_at, updated_at
		FROM answer_rule WHERE request_opcode = ? ORDER BY priority
	`, requestOpcode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.AnswerRule
	for rows.Next() {
		var r models.AnswerRule
		var id string
		if err := rows.Scan(&id, &r.RequestOpcode, &r.Priority, &r.Condition, &r.ResponseOpcode, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.ID = uuid.MustParse(id)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *SQLiteStore) DeleteAnswerRule(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM answer_rule WHERE id = ?`, id.String())
	return err
}

func (s *SQLiteStore) CreateDeliveryAttempt(ctx context.Context, messageID string, peerID uuid.UUID) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO delivery_attempt (message_id, peer_id, sent, created_at)
		VALUES (?, ?, 0, ?)
	`, messageID, peerID.String(), time.Now())
	return err
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, messageID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT message_id, peer_id, sent, created_at
		FROM delivery_attempt WHERE message_id = ? ORDER BY peer_id
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func (s *SQLiteStore) ListUnsentAttempts(ctx context.Context) ([]models.DeliveryAttempt, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT message_id, peer_id, sent, created_at
		FROM delivery_attempt WHERE sent = 0 ORDER BY message_id, peer_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]models.DeliveryAttempt, error) {
	var out []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		var peerID string
		if err := rows.Scan(&a.MessageID, &peerID, &a.Sent, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.PeerID = uuid.MustParse(peerID)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkAttemptSent(ctx context.Context, messageID string, peerID uuid.UUID) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE delivery_attempt SET sent = 1
		WHERE message_id = ? AND peer_id = ? AND sent = 0
	`, messageID, peerID.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) DeleteAttempt(ctx context.Context, messageID string, peerID uuid.UUID) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM delivery_attempt WHERE message_id = ? AND peer_id = ?
	`, messageID, peerID.String())
	return err
}

func (s *SQLiteStore) DeleteUnsentAttempts(ctx context.Context, messageID string, peerIDs []uuid.UUID) (int, error) {
	removed := 0
	for _, id := range peerIDs {
		res, err := s.q.ExecContext(ctx, `
			DELETE FROM delivery_attempt WHERE message_id = ? AND peer_id = ? AND sent = 0
		`, messageID, id.String())
		if err != nil {
			return removed, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed++
		}
	}
	return removed, nil
}

func (s *SQLiteStore) ListOpenBroadcasts(ctx context.Context, opcodes []int) ([]models.Message, error) {
	if len(opcodes) == 0 {
		return nil, nil
	}
	query := `SELECT ` + messageCols + ` FROM message WHERE direction = ? AND status = ? AND opcode IN (`
	args := []any{string(models.DirSend), string(models.DeliveryPending)}
	for i, op := range opcodes {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, op)
	}
	query += `) ORDER BY id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		var peerID, replyTo sql.NullString
		var params string
		var effectiveAt sql.NullTime
		if err := rows.Scan(&msg.ID, &peerID, &msg.Timestamp, &msg.Direction, &msg.Opcode, &msg.Text,
			&params, &msg.Payload, &replyTo, &msg.Status, &msg.Visibility, &msg.Read, &effectiveAt); err != nil {
			return nil, err
		}
		if peerID.Valid {
			id := uuid.MustParse(peerID.String)
			msg.PeerID = &id
		}
		if replyTo.Valid {
			msg.ReplyTo = &replyTo.String
		}
		if effectiveAt.Valid {
			msg.EffectiveAt = &effectiveAt.Time
		}
		if msg.Params, err = unmarshalParams(params); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) ResolveInstruments(ctx context.Context, refs []models.InstrumentRef) ([]*uuid.UUID, error) {
	out := make([]*uuid.UUID, len(refs))
	for i, ref := range refs {
		var idStr string
		var err error
		if ref.IsCurrencyPair() {
			err = s.q.QueryRowContext(ctx, `
				SELECT id FROM currency_pair WHERE from_currency = ? AND to_currency = ?
			`, ref.FromCurrency, ref.ToCurrency).Scan(&idStr)
		} else {
			err = s.q.QueryRowContext(ctx, `
				SELECT id FROM security WHERE isin = ? AND currency = ?
			`, ref.ISIN, ref.Currency).Scan(&idStr)
		}
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		id := uuid.MustParse(idStr)
		out[i] = &id
	}
	return out, nil
}

func (s *SQLiteStore) GetSecurity(ctx context.Context, isin, currency string) (*models.Security, error) {
	sec := &models.Security{}
	var id string
	var lpt sql.NullTime
	err := s.q.QueryRowContext(ctx, `
		SELECT id, isin, currency, name, last_price, last_price_time
		FROM security WHERE isin = ? AND currency = ?
	`, isin, currency).Scan(&id, &sec.ISIN, &sec.Currency, &sec.Name, &sec.LastPrice, &lpt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sec.ID = uuid.MustParse(id)
	if lpt.Valid {
		sec.LastPriceTime = &lpt.Time
	}
	return sec, nil
}

func (s *SQLiteStore) GetCurrencyPair(ctx context.Context, from, to string) (*models.CurrencyPair, error) {
	pair := &models.CurrencyPair{}
	var id string
	var lpt sql.NullTime
	err := s.q.QueryRowContext(ctx, `
		SELECT id, from_currency, to_currency, last_price, last_price_time
		FROM currency_pair WHERE from_currency = ? AND to_currency = ?
	`, from, to).Scan(&id, &pair.FromCurrency, &pair.ToCurrency, &pair.LastPrice, &lpt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	pair.ID = uuid.MustParse(id)
	if lpt.Valid {
		pair.LastPriceTime = &lpt.Time
	}
	return pair, nil
}

func (s *SQLiteStore) CreateSecurity(ctx context.Context, sec *models.Security) error {
	if sec.ID == uuid.Nil {
		sec.ID = uuid.Must(uuid.NewV7())
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO security (id, isin, currency, name, last_price, last_price_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sec.ID.String(), sec.ISIN, sec.Currency, sec.Name, sec.LastPrice, sec.LastPriceTime)
	return err
}

func (s *SQLiteStore) CreateCurrencyPair(ctx context.Context, pair *models.CurrencyPair) error {
	if pair.ID == uuid.Nil {
		pair.ID = uuid.Must(uuid.NewV7())
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO currency_pair (id, from_currency, to_currency, last_price, last_price_time)
		VALUES (?, ?, ?, ?, ?)
	`, pair.ID.String(), pair.FromCurrency, pair.ToCurrency, pair.LastPrice, pair.LastPriceTime)
	return err
}

func (s *SQLiteStore) UpdateSecurityLastPrice(ctx context.Context, id uuid.UUID, price float64, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE security SET last_price = ?, last_price_time = ? WHERE id = ?
	`, price, at, id.String())
	return err
}

func (s *SQLiteStore) UpdateCurrencyPairLastPrice(ctx context.Context, id uuid.UUID, price float64, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE currency_pair SET last_price = ?, last_price_time = ? WHERE id = ?
	`, price, at, id.String())
	return err
}

func (s *SQLiteStore) InsertHistoryQuotes(ctx context.Context, instrumentID uuid.UUID, quotes []models.HistoryQuote) (int, error) {
	accepted := 0
	for _, q := range quotes {
		res, err := s.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO history_quote (instrument_id, date, close, volume)
			VALUES (?, ?, ?, ?)
		`, instrumentID.String(), q.Date.Format("2006-01-02"), q.Close, q.Volume)
		if err != nil {
			return accepted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			accepted++
		}
	}
	return accepted, nil
}

func (s *SQLiteStore) ListHistoryQuotes(ctx context.Context, instrumentID uuid.UUID, from, to time.Time) ([]models.HistoryQuote, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT instrument_id, date, close, volume
		FROM history_quote WHERE instrument_id = ? AND date >= ? AND date <= ?
		ORDER BY date
	`, instrumentID.String(), from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HistoryQuote
	for rows.Next() {
		var q models.HistoryQuote
		var id, date string
		if err := rows.Scan(&id, &date, &q.Close, &q.Volume); err != nil {
			return nil, err
		}
		q.InstrumentID = uuid.MustParse(id)
		if q.Date, err = time.Parse("2006-01-02", date); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertForeignInstrument(ctx context.Context, fi *models.ForeignInstrument) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO foreign_instrument (key, source_domain, isin, currency, from_currency, to_currency, last_price, last_price_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_price = excluded.last_price,
			last_price_time = excluded.last_price_time
	`, fi.Key, fi.SourceDomain, fi.ISIN, fi.Currency, fi.FromCurrency, fi.ToCurrency, fi.LastPrice, fi.LastPriceTime, time.Now())
	return err
}

func (s *SQLiteStore) GetForeignInstrument(ctx context.Context, key string) (*models.ForeignInstrument, error) {
	fi := &models.ForeignInstrument{}
	var lpt sql.NullTime
	err := s.q.QueryRowContext(ctx, `
		SELECT key, source_domain, isin, currency, from_currency, to_currency, last_price, last_price_time, created_at
		FROM foreign_instrument WHERE key = ?
	`, key).Scan(&fi.Key, &fi.SourceDomain, &fi.ISIN, &fi.Currency, &fi.FromCurrency, &fi.ToCurrency, &fi.LastPrice, &lpt, &fi.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lpt.Valid {
		fi.LastPriceTime = &lpt.Time
	}
	return fi, nil
}

func (s *SQLiteStore) InsertForeignHistory(ctx context.Context, key string, quotes []models.HistoryQuote) (int, error) {
	accepted := 0
	for _, q := range quotes {
		res, err := s.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO foreign_history (key, date, close, volume)
			VALUES (?, ?, ?, ?)
		`, key, q.Date.Format("2006-01-02"), q.Close, q.Volume)
		if err != nil {
			return accepted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			accepted++
		}
	}
	return accepted, nil
}

func (s *SQLiteStore) CountForeignHistory(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM foreign_history WHERE key = ?`, key).Scan(&n)
	return n, err
}
