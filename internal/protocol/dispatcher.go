package protocol

import (
	"context"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/metrics"
	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/rules"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// Call carries the state of one inbound message through its handler. DB is
// bound to the unit of work: everything a handler persists commits or rolls
// back together with the inbound message itself.
type Call struct {
	DB      store.DataStore
	Peer    *models.Peer
	PeerCfg *models.PeerConfig
	Env     *Envelope
	In      *models.Message
	Logger  zerolog.Logger
}

// RequestHandler handles opcodes the peer expects a reply to. A nil envelope
// with a nil error is not allowed; requests always answer or fail.
type RequestHandler interface {
	HandleRequest(ctx context.Context, c *Call) (*Envelope, error)
}

// ResponseHandler handles replies to earlier outbound requests. No reply is
// sent; only side effects are applied.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, c *Call) error
}

// AnnouncementHandler handles unsolicited one-way notices.
type AnnouncementHandler interface {
	HandleAnnouncement(ctx context.Context, c *Call) error
}

// Deps bundles what the built-in handlers need beyond the per-call state.
type Deps struct {
	DB                    store.DataStore
	Redis                 *store.RedisStore
	Rules                 *rules.Engine
	Logger                zerolog.Logger
	Domain                string
	SpreadCapable         bool
	AcceptUnknownPeer     bool
	DefaultMaxInstruments int
}

// Dispatcher routes inbound envelopes to their opcode handlers. The lookup
// tables are built once at construction and never mutated afterwards.
type Dispatcher struct {
	deps          Deps
	handshake     *HandshakeHandler
	requests      map[int]RequestHandler
	responses     map[int]ResponseHandler
	announcements map[int]AnnouncementHandler
}

// NewDispatcher wires the full opcode table.
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		deps:          deps,
		handshake:     NewHandshakeHandler(deps),
		requests:      make(map[int]RequestHandler),
		responses:     make(map[int]ResponseHandler),
		announcements: make(map[int]AnnouncementHandler),
	}

	hs := handshakeResult{}
	d.responses[OpHandshakeAccept] = hs
	d.responses[OpHandshakeReject] = hs

	neg := NewNegotiationHandlers(deps)
	d.requests[OpExchangeRequest] = neg
	d.responses[OpExchangeAccept] = neg
	d.responses[OpExchangeInProcess] = neg
	d.responses[OpExchangeReject] = neg
	d.responses[OpPending] = neg

	ex := NewExchangeHandlers(deps)
	d.requests[OpLastPriceQuery] = ex
	d.requests[OpHistoryQuery] = ex
	d.requests[OpLastPricePush] = ex
	d.responses[OpLastPriceData] = ex
	d.responses[OpHistoryData] = ex
	d.responses[OpPushAck] = ex
	d.responses[OpLimitExceeded] = ex

	ann := NewAnnouncementHandlers(deps)
	for _, op := range []int{OpRevoke, OpBusy, OpReleasedBusy, OpMaintenance, OpOnline, OpOffline, OpDiscontinue, OpMaintenanceScheduled} {
		d.announcements[op] = ann
	}

	return d
}

// Dispatch handles one inbound envelope from peer. peer is nil only for the
// handshake opcode, which establishes it. The returned error is always a
// *Error; no fault escapes the protocol boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, peer *models.Peer, env *Envelope) (out *Envelope, perr *Error) {
	defer func() {
		if r := recover(); r != nil {
			d.deps.Logger.Error().Interface("panic", r).Int("opcode", envOpcode(env)).Msg("handler panic recovered")
			out = nil
			perr = Processingf("internal handling failure")
		}
		outcome := "ok"
		if perr != nil {
			outcome = "error"
			if perr.Code == ErrUnknownOpcode {
				outcome = "unknown_opcode"
			}
		}
		metrics.MessagesHandled.WithLabelValues(OpcodeName(envOpcode(env)), outcome).Inc()
	}()

	if env == nil || env.Opcode == 0 {
		return nil, Validationf("missing opcode")
	}

	// Liveness check: answered from the framework, no persistence, no rules.
	if env.Opcode == OpPing {
		pong := NewEnvelope(OpPing)
		pong.SetString("domain", d.deps.Domain)
		pong.SetString("state", "OPEN")
		return pong, nil
	}

	// First contact: establishes the peer, bypasses the rule engine.
	if env.Opcode == OpHandshake {
		return d.handshake.Handle(ctx, env)
	}

	if peer == nil {
		return nil, Validationf("unauthenticated call for opcode %d", env.Opcode)
	}

	category, known := CategoryOf(env.Opcode)
	if !known {
		return nil, &Error{Code: ErrUnknownOpcode, Message: "opcode " + strconv.Itoa(env.Opcode) + " is not handled by this instance"}
	}

	err := d.deps.DB.Atomic(ctx, func(ctx context.Context, tx store.DataStore) error {
		peerCfg, err := tx.GetPeerConfig(ctx, peer.ID)
		if err != nil {
			return Processingf("peer config unavailable: %v", err)
		}
		if peerCfg == nil {
			return Processingf("no local configuration for peer %s", peer.Domain)
		}

		in, err := persistInbound(ctx, tx, peer, env)
		if err != nil {
			return Processingf("persisting inbound message: %v", err)
		}

		call := &Call{
			DB:      tx,
			Peer:    peer,
			PeerCfg: peerCfg,
			Env:     env,
			In:      in,
			Logger:  d.deps.Logger.With().Str("peer", peer.Domain).Str("opcode", OpcodeName(env.Opcode)).Logger(),
		}

		switch category {
		case CategoryRequest:
			handler, ok := d.requests[env.Opcode]
			if !ok {
				return &Error{Code: ErrUnknownOpcode, Message: "no request handler for opcode"}
			}
			reply, err := handler.HandleRequest(ctx, call)
			if err != nil {
				return err
			}
			if reply != nil {
				if err := persistAnswer(ctx, tx, peer, in, env.SourceID, reply); err != nil {
					return Processingf("persisting answer: %v", err)
				}
			}
			out = reply
			return nil

		case CategoryResponse:
			handler, ok := d.responses[env.Opcode]
			if !ok {
				return &Error{Code: ErrUnknownOpcode, Message: "no response handler for opcode"}
			}
			return handler.HandleResponse(ctx, call)

		default:
			handler, ok := d.announcements[env.Opcode]
			if !ok {
				return &Error{Code: ErrUnknownOpcode, Message: "no announcement handler for opcode"}
			}
			return handler.HandleAnnouncement(ctx, call)
		}
	})
	if err != nil {
		out = nil
		if pe, ok := err.(*Error); ok {
			return nil, pe
		}
		return nil, Processingf("%v", err)
	}
	return out, nil
}

// handshakeResult handles handshake verdicts that arrive asynchronously
// instead of in the HTTP reply to our own handshake call.
type handshakeResult struct{}

func (handshakeResult) HandleResponse(ctx context.Context, c *Call) error {
	if c.Env.Opcode == OpHandshakeReject {
		c.Logger.Warn().Msg("peer rejected our handshake")
		return nil
	}
	if tok := c.Env.ParamString("token"); tok != "" {
		c.PeerCfg.TokenRemote = tok
		return c.DB.SavePeerConfig(ctx, c.PeerCfg)
	}
	return nil
}

func envOpcode(env *Envelope) int {
	if env == nil {
		return 0
	}
	return env.Opcode
}

// persistInbound stores the received envelope. A reply can never be more
// visible than its parent: ADMIN_ONLY propagates down.
func persistInbound(ctx context.Context, tx store.DataStore, peer *models.Peer, env *Envelope) (*models.Message, error) {
	visibility := defaultVisibility(env.Opcode)
	var replyTo *string
	if env.ReplyTo != "" {
		parent, err := tx.GetMessage(ctx, env.ReplyTo)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			rt := parent.ID
			replyTo = &rt
			if parent.Visibility == models.VisAdminOnly {
				visibility = models.VisAdminOnly
			}
		}
	}

	peerID := peer.ID
	msg := &models.Message{
		ID:         ulid.Make().String(),
		PeerID:     &peerID,
		Timestamp:  time.UnixMilli(env.Timestamp),
		Direction:  models.DirReceived,
		Opcode:     env.Opcode,
		Text:       env.Text,
		Params:     scrubToken(env.Params),
		Payload:    env.Payload,
		ReplyTo:    replyTo,
		Status:     models.DeliveryNone,
		Visibility: visibility,
	}
	if msg.Timestamp.IsZero() || env.Timestamp == 0 {
		msg.Timestamp = time.Now()
	}
	if at := env.ParamString("effectiveAt"); at != "" {
		if t, err := time.Parse("2006-01-02", at); err == nil {
			msg.EffectiveAt = &t
		}
	}
	if err := tx.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// persistAnswer stores the outbound reply and links it to the inbound
// request, inheriting its visibility ceiling.
func persistAnswer(ctx context.Context, tx store.DataStore, peer *models.Peer, in *models.Message, sourceID string, reply *Envelope) error {
	visibility := defaultVisibility(reply.Opcode)
	if in.Visibility == models.VisAdminOnly {
		visibility = models.VisAdminOnly
	}

	peerID := peer.ID
	replyTo := in.ID
	msg := &models.Message{
		ID:         ulid.Make().String(),
		PeerID:     &peerID,
		Timestamp:  time.Now(),
		Direction:  models.DirAnswer,
		Opcode:     reply.Opcode,
		Text:       reply.Text,
		Params:     reply.Params,
		Payload:    reply.Payload,
		ReplyTo:    &replyTo,
		Status:     models.DeliverySent,
		Visibility: visibility,
	}
	// Let the peer correlate the reply with its own message id.
	reply.ReplyTo = sourceID
	reply.SourceID = msg.ID
	return tx.CreateMessage(ctx, msg)
}

// defaultVisibility gives limit violations and revocations an admin-only
// default; everything else is visible to all users.
func defaultVisibility(opcode int) models.Visibility {
	switch opcode {
	case OpLimitExceeded, OpRevoke:
		return models.VisAdminOnly
	default:
		return models.VisAllUsers
	}
}
