package protocol

import (
	"context"
	"time"

	"github.com/grafioschtrader/gtnet/internal/exchange"
	"github.com/grafioschtrader/gtnet/internal/metrics"
	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// ExchangeHandlers serves and consumes price data over negotiated exchanges.
type ExchangeHandlers struct {
	redis          *store.RedisStore
	domain         string
	defaultMaxInst int
}

func NewExchangeHandlers(deps Deps) *ExchangeHandlers {
	return &ExchangeHandlers{
		redis:          deps.Redis,
		domain:         deps.Domain,
		defaultMaxInst: deps.DefaultMaxInstruments,
	}
}

func (h *ExchangeHandlers) HandleRequest(ctx context.Context, c *Call) (*Envelope, error) {
	switch c.Env.Opcode {
	case OpLastPriceQuery:
		return h.lastPriceQuery(ctx, c)
	case OpHistoryQuery:
		return h.historyQuery(ctx, c)
	case OpLastPricePush:
		return h.lastPricePush(ctx, c)
	default:
		return nil, Validationf("opcode %d is not an exchange request", c.Env.Opcode)
	}
}

// servingConfig checks the negotiation preconditions for serving kind to the
// calling peer.
func (h *ExchangeHandlers) servingConfig(ctx context.Context, c *Call, kind models.EntityKind) (*models.EntityConfig, error) {
	cfg, err := c.DB.GetEntityConfig(ctx, c.Peer.ID, kind)
	if err != nil {
		return nil, Processingf("entity config lookup: %v", err)
	}
	if cfg == nil || !cfg.Negotiated() || !cfg.ExchangeEnabled {
		return nil, Validationf("no negotiated %s exchange with this instance", kind)
	}
	if cfg.ServerState != models.StateOpen {
		return nil, Processingf("%s exchange is %s", kind, cfg.ServerState)
	}
	return cfg, nil
}

func (h *ExchangeHandlers) maxInstruments(cfg *models.EntityConfig) int {
	if cfg.MaxInstruments > 0 {
		return cfg.MaxInstruments
	}
	return h.defaultMaxInst
}

// limitExceeded records the violation and builds the rejection reply. No
// data is served or stored for an over-limit call.
func (h *ExchangeHandlers) limitExceeded(ctx context.Context, c *Call, offered, max int) (*Envelope, error) {
	violations, err := c.DB.IncrementViolations(ctx, c.Peer.ID)
	if err != nil {
		return nil, Processingf("recording violation: %v", err)
	}
	metrics.RequestViolations.Inc()
	c.Logger.Warn().Int("offered", offered).Int("max", max).Int("violations", violations).
		Msg("instrument limit exceeded")

	reply := NewEnvelope(OpLimitExceeded)
	reply.SetInt("offered", offered)
	reply.SetInt("max", max)
	return reply, nil
}

func (h *ExchangeHandlers) lastPriceQuery(ctx context.Context, c *Call) (*Envelope, error) {
	cfg, err := h.servingConfig(ctx, c, models.KindLastPrice)
	if err != nil {
		return nil, err
	}

	var refs []models.InstrumentRef
	if err := c.Env.UnmarshalPayload(&refs); err != nil {
		return nil, Validationf("malformed instrument list: %v", err)
	}
	if len(refs) == 0 {
		return nil, Validationf("empty instrument list")
	}
	if max := h.maxInstruments(cfg); len(refs) > max {
		return h.limitExceeded(ctx, c, len(refs), max)
	}

	strategy := exchange.ForConfig(cfg, h.redis, h.domain)
	points, err := strategy.LastPrices(ctx, c.DB, refs)
	if err != nil {
		return nil, Processingf("serving last prices: %v", err)
	}

	reply := NewEnvelope(OpLastPriceData)
	reply.SetInt("count", len(points))
	if err := reply.SetPayload(points); err != nil {
		return nil, Processingf("encoding reply: %v", err)
	}
	return reply, nil
}

func (h *ExchangeHandlers) historyQuery(ctx context.Context, c *Call) (*Envelope, error) {
	if _, err := h.servingConfig(ctx, c, models.KindHistoricalPrices); err != nil {
		return nil, err
	}

	ref := models.InstrumentRef{
		ISIN:         c.Env.ParamString("isin"),
		Currency:     c.Env.ParamString("currency"),
		FromCurrency: c.Env.ParamString("from_currency"),
		ToCurrency:   c.Env.ParamString("to_currency"),
	}
	from, to, err := historyRange(c.Env)
	if err != nil {
		return nil, err
	}

	ids, err := c.DB.ResolveInstruments(ctx, []models.InstrumentRef{ref})
	if err != nil {
		return nil, Processingf("instrument resolution: %v", err)
	}

	var rows []exchange.HistoryRow
	if len(ids) > 0 && ids[0] != nil {
		quotes, err := c.DB.ListHistoryQuotes(ctx, *ids[0], from, to)
		if err != nil {
			return nil, Processingf("reading history: %v", err)
		}
		rows = make([]exchange.HistoryRow, 0, len(quotes))
		for _, q := range quotes {
			rows = append(rows, exchange.HistoryRow{
				Date:   q.Date.Format("2006-01-02"),
				Close:  q.Close,
				Volume: q.Volume,
			})
		}
	}

	reply := NewEnvelope(OpHistoryData)
	reply.SetInt("count", len(rows))
	copyInstrumentParams(c.Env, reply)
	if err := reply.SetPayload(rows); err != nil {
		return nil, Processingf("encoding reply: %v", err)
	}
	return reply, nil
}

func (h *ExchangeHandlers) lastPricePush(ctx context.Context, c *Call) (*Envelope, error) {
	cfg, err := h.servingConfig(ctx, c, models.KindLastPrice)
	if err != nil {
		return nil, err
	}
	if cfg.AcceptRequest != models.AcceptPushOpen {
		return nil, Validationf("push requires a PUSH_OPEN exchange")
	}

	var records []exchange.PushRecord
	if err := c.Env.UnmarshalPayload(&records); err != nil {
		return nil, Validationf("malformed push payload: %v", err)
	}
	if len(records) == 0 {
		return nil, Validationf("empty push payload")
	}
	if max := h.maxInstruments(cfg); len(records) > max {
		return h.limitExceeded(ctx, c, len(records), max)
	}

	strategy := exchange.ForConfig(cfg, h.redis, h.domain)
	accepted, err := strategy.Absorb(ctx, c.DB, c.Peer.Domain, records)
	if err != nil {
		return nil, Processingf("absorbing push: %v", err)
	}
	metrics.PushRecordsOffered.Add(float64(len(records)))
	metrics.PushRecordsAccepted.Add(float64(accepted))
	if cfg.DetailLog {
		c.Logger.Info().Int("offered", len(records)).Int("accepted", accepted).Msg("push absorbed")
	}

	reply := NewEnvelope(OpPushAck)
	reply.SetInt("offered", len(records))
	reply.SetInt("accepted", accepted)
	return reply, nil
}

func (h *ExchangeHandlers) HandleResponse(ctx context.Context, c *Call) error {
	switch c.Env.Opcode {
	case OpLastPriceData:
		return h.absorbLastPriceData(ctx, c)
	case OpHistoryData:
		return h.absorbHistoryData(ctx, c)
	case OpPushAck:
		return h.recordPushAck(ctx, c)
	case OpLimitExceeded:
		return h.recordLimitExceeded(ctx, c)
	default:
		return Validationf("opcode %d is not an exchange response", c.Env.Opcode)
	}
}

// absorbLastPriceData applies a query reply to the local tables. Points for
// instruments this instance does not track are ignored.
func (h *ExchangeHandlers) absorbLastPriceData(ctx context.Context, c *Call) error {
	var points []exchange.PricePoint
	if err := c.Env.UnmarshalPayload(&points); err != nil {
		return Validationf("malformed price data: %v", err)
	}
	for _, p := range points {
		ids, err := c.DB.ResolveInstruments(ctx, []models.InstrumentRef{p.InstrumentRef})
		if err != nil {
			return Processingf("instrument resolution: %v", err)
		}
		if len(ids) == 0 || ids[0] == nil {
			continue
		}
		at := time.UnixMilli(p.Timestamp)
		if p.IsCurrencyPair() {
			err = c.DB.UpdateCurrencyPairLastPrice(ctx, *ids[0], p.Price, at)
		} else {
			err = c.DB.UpdateSecurityLastPrice(ctx, *ids[0], p.Price, at)
		}
		if err != nil {
			return Processingf("applying price: %v", err)
		}
	}
	return nil
}

func (h *ExchangeHandlers) absorbHistoryData(ctx context.Context, c *Call) error {
	ref := models.InstrumentRef{
		ISIN:         c.Env.ParamString("isin"),
		Currency:     c.Env.ParamString("currency"),
		FromCurrency: c.Env.ParamString("from_currency"),
		ToCurrency:   c.Env.ParamString("to_currency"),
	}
	ids, err := c.DB.ResolveInstruments(ctx, []models.InstrumentRef{ref})
	if err != nil {
		return Processingf("instrument resolution: %v", err)
	}
	if len(ids) == 0 || ids[0] == nil {
		c.Logger.Warn().Msg("history data for an untracked instrument discarded")
		return nil
	}

	var rows []exchange.HistoryRow
	if err := c.Env.UnmarshalPayload(&rows); err != nil {
		return Validationf("malformed history data: %v", err)
	}
	quotes := make([]models.HistoryQuote, 0, len(rows))
	for _, row := range rows {
		day, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			return Validationf("bad history date %q", row.Date)
		}
		quotes = append(quotes, models.HistoryQuote{
			InstrumentID: *ids[0],
			Date:         day,
			Close:        row.Close,
			Volume:       row.Volume,
		})
	}
	accepted, err := c.DB.InsertHistoryQuotes(ctx, *ids[0], quotes)
	if err != nil {
		return Processingf("storing history: %v", err)
	}
	c.Logger.Info().Int("offered", len(quotes)).Int("accepted", accepted).Msg("history data absorbed")
	return nil
}

func (h *ExchangeHandlers) recordPushAck(ctx context.Context, c *Call) error {
	offered := c.Env.ParamInt("offered")
	accepted := c.Env.ParamInt("accepted")
	if accepted < offered {
		c.Logger.Warn().Int("offered", offered).Int("accepted", accepted).Msg("peer accepted a partial push")
	}
	c.PeerCfg.LastpriceStatus = "OK"
	return c.DB.SavePeerConfig(ctx, c.PeerCfg)
}

func (h *ExchangeHandlers) recordLimitExceeded(ctx context.Context, c *Call) error {
	max := c.Env.ParamInt("max")
	c.Logger.Warn().Int("peer_max", max).Msg("peer rejected call for exceeding its instrument limit")
	c.PeerCfg.LastpriceStatus = "LIMIT_EXCEEDED"
	return c.DB.SavePeerConfig(ctx, c.PeerCfg)
}

func historyRange(env *Envelope) (time.Time, time.Time, error) {
	fromStr := env.ParamString("from")
	if fromStr == "" {
		return time.Time{}, time.Time{}, Validationf("history query without a from date")
	}
	from, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, Validationf("bad from date %q", fromStr)
	}
	to := time.Now()
	if toStr := env.ParamString("to"); toStr != "" {
		to, err = time.Parse("2006-01-02", toStr)
		if err != nil {
			return time.Time{}, time.Time{}, Validationf("bad to date %q", toStr)
		}
	}
	return from, to, nil
}

func copyInstrumentParams(from, to *Envelope) {
	for _, name := range []string{"isin", "currency", "from_currency", "to_currency"} {
		if v := from.ParamString(name); v != "" {
			to.SetString(name, v)
		}
	}
}
