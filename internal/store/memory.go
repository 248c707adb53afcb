package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grafioschtrader/gtnet/internal/models"
)

// memState holds the raw maps shared between a MemoryStore and the
// lock-free views handed to Atomic callbacks.
type memState struct {
	peers         map[uuid.UUID]models.Peer
	peerConfigs   map[uuid.UUID]models.PeerConfig
	entityConfigs map[uuid.UUID]map[models.EntityKind]models.EntityConfig
	messages      map[string]models.Message
	rules         map[uuid.UUID]models.AnswerRule
	attempts      map[string]map[uuid.UUID]models.DeliveryAttempt
	securities    map[string]models.Security     // isin|currency
	pairs         map[string]models.CurrencyPair // from|to
	history       map[uuid.UUID]map[string]models.HistoryQuote
	foreign       map[string]models.ForeignInstrument
	foreignHist   map[string]map[string]models.HistoryQuote
}

// MemoryStore is an in-process DataStore used for tests and single-node
// development without a database.
type MemoryStore struct {
	st *memState
	lk sync.Locker
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		st: &memState{
			peers:         make(map[uuid.UUID]models.Peer),
			peerConfigs:   make(map[uuid.UUID]models.PeerConfig),
			entityConfigs: make(map[uuid.UUID]map[models.EntityKind]models.EntityConfig),
			messages:      make(map[string]models.Message),
			rules:         make(map[uuid.UUID]models.AnswerRule),
			attempts:      make(map[string]map[uuid.UUID]models.DeliveryAttempt),
			securities:    make(map[string]models.Security),
			pairs:         make(map[string]models.CurrencyPair),
			history:       make(map[uuid.UUID]map[string]models.HistoryQuote),
			foreign:       make(map[string]models.ForeignInstrument),
			foreignHist:   make(map[string]map[string]models.HistoryQuote),
		},
		lk: &sync.Mutex{},
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Atomic runs fn while holding the store lock. The store handed to fn shares
// the underlying data but skips locking, so nested calls do not deadlock.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, st DataStore) error) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return fn(ctx, &MemoryStore{st: s.st, lk: nopLocker{}})
}

func (s *MemoryStore) GetPeerByID(ctx context.Context, id uuid.UUID) (*models.Peer, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if p, ok := s.st.peers[id]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetPeerByDomain(ctx context.Context, domain string) (*models.Peer, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, p := range s.st.peers {
		if p.Domain == domain {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpsertPeer(ctx context.Context, peer *models.Peer) (*models.Peer, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	now := time.Now()
	for id, p := range s.st.peers {
		if p.Domain == peer.Domain {
			p.SpreadCapable = peer.SpreadCapable
			p.AcceptEntityRequest = peer.AcceptEntityRequest
			p.UpdatedAt = now
			s.st.peers[id] = p
			cp := p
			return &cp, nil
		}
	}
	np := *peer
	if np.ID == uuid.Nil {
		np.ID = uuid.Must(uuid.NewV7())
	}
	np.CreatedAt = now
	np.UpdatedAt = now
	s.st.peers[np.ID] = np
	cp := np
	return &cp, nil
}

func (s *MemoryStore) ListPeers(ctx context.Context) ([]models.Peer, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	peers := make([]models.Peer, 0, len(s.st.peers))
	for _, p := range s.st.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Domain < peers[j].Domain })
	return peers, nil
}

func (s *MemoryStore) CountPeers(ctx context.Context) (int64, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return int64(len(s.st.peers)), nil
}

func (s *MemoryStore) GetPeerConfig(ctx context.Context, peerID uuid.UUID) (*models.PeerConfig, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if c, ok := s.st.peerConfigs[peerID]; ok {
		cp := c
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) FindPeerConfigByToken(ctx context.Context, tokenThis string) (*models.PeerConfig, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, c := range s.st.peerConfigs {
		if c.TokenThis == tokenThis {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) SavePeerConfig(ctx context.Context, cfg *models.PeerConfig) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	c := *cfg
	c.UpdatedAt = time.Now()
	s.st.peerConfigs[cfg.PeerID] = c
	return nil
}

func (s *MemoryStore) IncrementViolations(ctx context.Context, peerID uuid.UUID) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	c := s.st.peerConfigs[peerID]
	c.PeerID = peerID
	c.RequestViolations++
	c.UpdatedAt = time.Now()
	s.st.peerConfigs[peerID] = c
	return c.RequestViolations, nil
}

func (s *MemoryStore) GetEntityConfig(ctx context.Context, peerID uuid.UUID, kind models.EntityKind) (*models.EntityConfig, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if kinds, ok := s.st.entityConfigs[peerID]; ok {
		if c, ok := kinds[kind]; ok {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListEntityConfigs(ctx context.Context, peerID uuid.UUID) ([]models.EntityConfig, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var configs []models.EntityConfig
	for _, c := range s.st.entityConfigs[peerID] {
		configs = append(configs, c)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Kind < configs[j].Kind })
	return configs, nil
}

func (s *MemoryStore) SaveEntityConfig(ctx context.Context, cfg *models.EntityConfig) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.Must(uuid.NewV7())
	}
	cfg.UpdatedAt = time.Now()
	kinds, ok := s.st.entityConfigs[cfg.PeerID]
	if !ok {
		kinds = make(map[models.EntityKind]models.EntityConfig)
		s.st.entityConfigs[cfg.PeerID] = kinds
	}
	kinds[cfg.Kind] = *cfg
	return nil
}

func (s *MemoryStore) ClearEntityConfigs(ctx context.Context, peerID uuid.UUID) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.st.entityConfigs, peerID)
	return nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.st.messages[msg.ID] = *msg
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if m, ok := s.st.messages[id]; ok {
		cp := m
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) UpdateMessageStatus(ctx context.Context, id string, status models.DeliveryStatus) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if m, ok := s.st.messages[id]; ok {
		m.Status = status
		s.st.messages[id] = m
	}
	return nil
}

func (s *MemoryStore) MarkMessageRead(ctx context.Context, id string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if m, ok := s.st.messages[id]; ok {
		m.Read = true
		s.st.messages[id] = m
	}
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, includeAdminOnly bool, limit, offset int) ([]models.Message, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var msgs []models.Message
	for _, m := range s.st.messages {
		if m.Visibility == models.VisAdminOnly && !includeAdminOnly {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemoryStore) HasReply(ctx context.Context, id string) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, m := range s.st.messages {
		if m.ReplyTo != nil && *m.ReplyTo == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, id string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.st.messages, id)
	delete(s.st.attempts, id)
	for mid, m := range s.st.messages {
		if m.ReplyTo != nil && *m.ReplyTo == id {
			delete(s.st.messages, mid)
			delete(s.st.attempts, mid)
		}
	}
	return nil
}

func (s *MemoryStore) SaveAnswerRule(ctx context.Context, rule *models.AnswerRule) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.Must(uuid.NewV7())
		rule.CreatedAt = time.Now()
	}
	rule.UpdatedAt = time.Now()
	s.st.rules[rule.ID] = *rule
	return nil
}

func (s *MemoryStore) ListAnswerRules(ctx context.Context, requestOpcode int) ([]models.AnswerRule, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var rules []models.AnswerRule
	for _, r := range s.st.rules {
		if r.RequestOpcode == requestOpcode {
			rules = append(rules, r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	return rules, nil
}

func (s *MemoryStore) DeleteAnswerRule(ctx context.Context, id uuid.UUID) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.st.rules, id)
	return nil
}

func (s *MemoryStore) CreateDeliveryAttempt(ctx context.Context, messageID string, peerID uuid.UUID) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	targets, ok := s.st.attempts[messageID]
	if !ok {
		targets = make(map[uuid.UUID]models.DeliveryAttempt)
		s.st.attempts[messageID] = targets
	}
	if _, exists := targets[peerID]; exists {
		return nil
	}
	targets[peerID] = models.DeliveryAttempt{
		MessageID: messageID,
		PeerID:    peerID,
		CreatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) ListAttempts(ctx context.Context, messageID string) ([]models.DeliveryAttempt, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []models.DeliveryAttempt
	for _, a := range s.st.attempts[messageID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID.String() < out[j].PeerID.String() })
	return out, nil
}

func (s *MemoryStore) ListUnsentAttempts(ctx context.Context) ([]models.DeliveryAttempt, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []models.DeliveryAttempt
	for _, targets := range s.st.attempts {
		for _, a := range targets {
			if !a.Sent {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageID != out[j].MessageID {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].PeerID.String() < out[j].PeerID.String()
	})
	return out, nil
}

func (s *MemoryStore) MarkAttemptSent(ctx context.Context, messageID string, peerID uuid.UUID) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	targets, ok := s.st.attempts[messageID]
	if !ok {
		return false, nil
	}
	a, ok := targets[peerID]
	if !ok || a.Sent {
		return false, nil
	}
	a.Sent = true
	targets[peerID] = a
	return true, nil
}

func (s *MemoryStore) DeleteAttempt(ctx context.Context, messageID string, peerID uuid.UUID) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if targets, ok := s.st.attempts[messageID]; ok {
		delete(targets, peerID)
	}
	return nil
}

func (s *MemoryStore) DeleteUnsentAttempts(ctx context.Context, messageID string, peerIDs []uuid.UUID) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	targets, ok := s.st.attempts[messageID]
	if !ok {
		return 0, nil
	}
	removed := 0
	for _, id := range peerIDs {
		if a, ok := targets[id]; ok && !a.Sent {
			delete(targets, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ListOpenBroadcasts(ctx context.Context, opcodes []int) ([]models.Message, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	ops := make(map[int]bool, len(opcodes))
	for _, op := range opcodes {
		ops[op] = true
	}
	var msgs []models.Message
	for _, m := range s.st.messages {
		if m.Direction != models.DirSend || !ops[m.Opcode] {
			continue
		}
		if m.Status != models.DeliveryPending {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func secKey(isin, currency string) string { return isin + "|" + currency }
func pairKey(from, to string) string      { return from + "|" + to }

func dateKey(t time.Time) string { return t.Format("2006-01-02") }

func (s *MemoryStore) ResolveInstruments(ctx context.Context, refs []models.InstrumentRef) ([]*uuid.UUID, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]*uuid.UUID, len(refs))
	for i, ref := range refs {
		if ref.IsCurrencyPair() {
			if p, ok := s.st.pairs[pairKey(ref.FromCurrency, ref.ToCurrency)]; ok {
				id := p.ID
				out[i] = &id
			}
			continue
		}
		if sec, ok := s.st.securities[secKey(ref.ISIN, ref.Currency)]; ok {
			id := sec.ID
			out[i] = &id
		}
	}
	return out, nil
}

func (s *MemoryStore) GetSecurity(ctx context.Context, isin, currency string) (*models.Security, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if sec, ok := s.st.securities[secKey(isin, currency)]; ok {
		cp := sec
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetCurrencyPair(ctx context.Context, from, to string) (*models.CurrencyPair, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if p, ok := s.st.pairs[pairKey(from, to)]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) CreateSecurity(ctx context.Context, sec *models.Security) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if sec.ID == uuid.Nil {
		sec.ID = uuid.Must(uuid.NewV7())
	}
	s.st.securities[secKey(sec.ISIN, sec.Currency)] = *sec
	return nil
}

func (s *MemoryStore) CreateCurrencyPair(ctx context.Context, pair *models.CurrencyPair) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if pair.ID == uuid.Nil {
		pair.ID = uuid.Must(uuid.NewV7())
	}
	s.st.pairs[pairKey(pair.FromCurrency, pair.ToCurrency)] = *pair
	return nil
}

func (s *MemoryStore) UpdateSecurityLastPrice(ctx context.Context, id uuid.UUID, price float64, at time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for k, sec := range s.st.securities {
		if sec.ID == id {
			sec.LastPrice = price
			sec.LastPriceTime = &at
			s.st.securities[k] = sec
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) UpdateCurrencyPairLastPrice(ctx context.Context, id uuid.UUID, price float64, at time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for k, p := range s.st.pairs {
		if p.ID == id {
			p.LastPrice = price
			p.LastPriceTime = &at
			s.st.pairs[k] = p
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) InsertHistoryQuotes(ctx context.Context, instrumentID uuid.UUID, quotes []models.HistoryQuote) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	rows, ok := s.st.history[instrumentID]
	if !ok {
		rows = make(map[string]models.HistoryQuote)
		s.st.history[instrumentID] = rows
	}
	accepted := 0
	for _, q := range quotes {
		key := dateKey(q.Date)
		if _, exists := rows[key]; exists {
			continue
		}
		q.InstrumentID = instrumentID
		rows[key] = q
		accepted++
	}
	return accepted, nil
}

func (s *MemoryStore) ListHistoryQuotes(ctx context.Context, instrumentID uuid.UUID, from, to time.Time) ([]models.HistoryQuote, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []models.HistoryQuote
	for _, q := range s.st.history[instrumentID] {
		if q.Date.Before(from) || q.Date.After(to) {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *MemoryStore) UpsertForeignInstrument(ctx context.Context, fi *models.ForeignInstrument) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if existing, ok := s.st.foreign[fi.Key]; ok {
		existing.LastPrice = fi.LastPrice
		existing.LastPriceTime = fi.LastPriceTime
		s.st.foreign[fi.Key] = existing
		return nil
	}
	cp := *fi
	cp.CreatedAt = time.Now()
	s.st.foreign[fi.Key] = cp
	return nil
}

func (s *MemoryStore) GetForeignInstrument(ctx context.Context, key string) (*models.ForeignInstrument, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if fi, ok := s.st.foreign[key]; ok {
		cp := fi
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) InsertForeignHistory(ctx context.Context, key string, quotes []models.HistoryQuote) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	rows, ok := s.st.foreignHist[key]
	if !ok {
		rows = make(map[string]models.HistoryQuote)
		s.st.foreignHist[key] = rows
	}
	accepted := 0
	for _, q := range quotes {
		dk := dateKey(q.Date)
		if _, exists := rows[dk]; exists {
			continue
		}
		rows[dk] = q
		accepted++
	}
	return accepted, nil
}

func (s *MemoryStore) CountForeignHistory(ctx context.Context, key string) (int64, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return int64(len(s.st.foreignHist[key])), nil
}
