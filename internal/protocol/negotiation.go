package protocol

import (
	"context"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/negotiate"
	"github.com/grafioschtrader/gtnet/internal/rules"
)

// NegotiationHandlers covers the exchange negotiation opcodes: the inbound
// request resolved through the answer rules, and the peer's verdicts on our
// own outbound requests.
type NegotiationHandlers struct {
	rules          *rules.Engine
	defaultMaxInst int
}

func NewNegotiationHandlers(deps Deps) *NegotiationHandlers {
	return &NegotiationHandlers{
		rules:          deps.Rules,
		defaultMaxInst: deps.DefaultMaxInstruments,
	}
}

// HandleRequest answers an inbound exchange request. The admin rules decide;
// when no rule matches, the request parks as pending until an operator acts.
func (h *NegotiationHandlers) HandleRequest(ctx context.Context, c *Call) (*Envelope, error) {
	kind, ok := parseKind(c.Env.ParamString("entity"))
	if !ok {
		return nil, Validationf("unknown entity kind %q", c.Env.ParamString("entity"))
	}
	mode, ok := parseAcceptMode(c.Env.ParamString("mode"))
	if !ok {
		return nil, Validationf("unknown exchange mode %q", c.Env.ParamString("mode"))
	}

	responseOp, matched, err := h.rules.Resolve(ctx, OpExchangeRequest, c.Env.Params)
	if err != nil {
		return nil, Processingf("rule resolution: %v", err)
	}
	if !matched {
		c.Logger.Info().Str("entity", string(kind)).Msg("exchange request parked for manual review")
		pending := NewEnvelope(OpPending)
		pending.SetString("entity", string(kind))
		pending.Text = "request awaits operator review"
		return pending, nil
	}

	mgr := negotiate.NewManager(c.DB, c.Logger, h.defaultMaxInst)
	switch responseOp {
	case OpExchangeAccept:
		if err := mgr.ApplyAccept(ctx, c.Peer.ID, kind, mode); err != nil {
			return nil, Processingf("applying acceptance: %v", err)
		}
	case OpExchangeReject:
		if err := mgr.ApplyReject(ctx, c.Peer.ID, kind); err != nil {
			return nil, Processingf("applying rejection: %v", err)
		}
	case OpExchangeInProcess, OpPending:
		// No state change until a final verdict.
	default:
		return nil, Processingf("rule resolved to opcode %d, not a negotiation verdict", responseOp)
	}

	reply := NewEnvelope(responseOp)
	reply.SetString("entity", string(kind))
	reply.SetString("mode", string(mode))
	return reply, nil
}

// HandleResponse applies the peer's verdict on an exchange request this
// instance sent earlier.
func (h *NegotiationHandlers) HandleResponse(ctx context.Context, c *Call) error {
	kind, ok := parseKind(c.Env.ParamString("entity"))
	if !ok {
		return Validationf("unknown entity kind %q", c.Env.ParamString("entity"))
	}

	mgr := negotiate.NewManager(c.DB, c.Logger, h.defaultMaxInst)
	switch c.Env.Opcode {
	case OpExchangeAccept:
		mode, ok := parseAcceptMode(c.Env.ParamString("mode"))
		if !ok {
			return Validationf("accept without a valid mode")
		}
		return mgr.ApplyAccept(ctx, c.Peer.ID, kind, mode)
	case OpExchangeReject:
		return mgr.ApplyReject(ctx, c.Peer.ID, kind)
	case OpExchangeInProcess, OpPending:
		c.Logger.Info().Str("entity", string(kind)).Msg("exchange request still undecided on remote side")
		return nil
	default:
		return Validationf("opcode %d is not a negotiation response", c.Env.Opcode)
	}
}

func parseKind(s string) (models.EntityKind, bool) {
	k := models.EntityKind(s)
	for _, known := range models.Kinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

func parseAcceptMode(s string) (models.AcceptRequestType, bool) {
	switch models.AcceptRequestType(s) {
	case models.AcceptOpen:
		return models.AcceptOpen, true
	case models.AcceptPushOpen:
		return models.AcceptPushOpen, true
	case "":
		return models.AcceptOpen, true
	}
	return "", false
}
