package protocol

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/metrics"
	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
	"github.com/grafioschtrader/gtnet/internal/token"
)

// HandshakeHandler establishes or refreshes the relationship with a remote
// instance. It is the only handler reachable without a bearer token.
type HandshakeHandler struct {
	db                store.DataStore
	logger            zerolog.Logger
	domain            string
	spreadCapable     bool
	acceptUnknownPeer bool
}

func NewHandshakeHandler(deps Deps) *HandshakeHandler {
	return &HandshakeHandler{
		db:                deps.DB,
		logger:            deps.Logger,
		domain:            deps.Domain,
		spreadCapable:     deps.SpreadCapable,
		acceptUnknownPeer: deps.AcceptUnknownPeer,
	}
}

// Handle processes an inbound handshake. The envelope carries the caller's
// domain, capability flags and the token this instance must present on
// outbound calls. On acceptance a fresh inbound token is minted and returned;
// a re-handshake rotates both tokens and resets all entity negotiations.
func (h *HandshakeHandler) Handle(ctx context.Context, env *Envelope) (*Envelope, *Error) {
	remoteDomain := env.ParamString("domain")
	remoteToken := env.ParamString("token")
	if remoteDomain == "" {
		return nil, Validationf("handshake without domain")
	}
	if remoteToken == "" {
		return nil, Validationf("handshake without token")
	}

	peer, err := h.db.GetPeerByDomain(ctx, remoteDomain)
	if err != nil {
		return nil, Processingf("peer lookup: %v", err)
	}

	// An unknown caller is turned away before anything touches the store.
	if peer == nil && !h.acceptUnknownPeer {
		metrics.HandshakesTotal.WithLabelValues("rejected").Inc()
		h.logger.Warn().Str("domain", remoteDomain).Msg("handshake from unknown instance rejected")
		reject := NewEnvelope(OpHandshakeReject)
		reject.Text = "this instance does not accept unsolicited handshakes"
		return reject, nil
	}

	minted, err := token.Mint()
	if err != nil {
		return nil, Processingf("token minting: %v", err)
	}

	spread := env.ParamBool("spreadCapable")
	acceptReq := env.ParamBool("acceptEntityRequest")

	var reply *Envelope
	err = h.db.Atomic(ctx, func(ctx context.Context, tx store.DataStore) error {
		rehandshake := peer != nil
		if peer == nil {
			peer = &models.Peer{ID: uuid.Must(uuid.NewV7())}
		}
		peer.Domain = remoteDomain
		peer.SpreadCapable = spread
		peer.AcceptEntityRequest = acceptReq
		if _, err := tx.UpsertPeer(ctx, peer); err != nil {
			return err
		}

		cfg := &models.PeerConfig{
			PeerID:      peer.ID,
			TokenRemote: remoteToken,
			TokenThis:   minted,
		}
		if err := tx.SavePeerConfig(ctx, cfg); err != nil {
			return err
		}

		// A new handshake voids every earlier negotiation outcome.
		if rehandshake {
			if err := tx.ClearEntityConfigs(ctx, peer.ID); err != nil {
				return err
			}
		}

		peerID := peer.ID
		in := &models.Message{
			ID:         ulid.Make().String(),
			PeerID:     &peerID,
			Timestamp:  time.Now(),
			Direction:  models.DirReceived,
			Opcode:     OpHandshake,
			Text:       env.Text,
			Params:     scrubToken(env.Params),
			Status:     models.DeliveryNone,
			Visibility: models.VisAdminOnly,
		}
		if err := tx.CreateMessage(ctx, in); err != nil {
			return err
		}

		reply = NewEnvelope(OpHandshakeAccept)
		reply.SetString("domain", h.domain)
		reply.SetString("token", minted)
		reply.SetBool("spreadCapable", h.spreadCapable)
		reply.SetBool("acceptEntityRequest", true)
		reply.ReplyTo = env.SourceID

		out := &models.Message{
			ID:         ulid.Make().String(),
			PeerID:     &peerID,
			Timestamp:  time.Now(),
			Direction:  models.DirAnswer,
			Opcode:     OpHandshakeAccept,
			Params:     scrubToken(reply.Params),
			ReplyTo:    &in.ID,
			Status:     models.DeliverySent,
			Visibility: models.VisAdminOnly,
		}
		reply.SourceID = out.ID
		return tx.CreateMessage(ctx, out)
	})
	if err != nil {
		return nil, Processingf("handshake persistence: %v", err)
	}

	metrics.HandshakesTotal.WithLabelValues("accepted").Inc()
	h.logger.Info().Str("domain", remoteDomain).Bool("spread_capable", spread).Msg("handshake accepted")
	return reply, nil
}

// scrubToken keeps credentials out of the message log.
func scrubToken(params map[string]models.ParamValue) map[string]models.ParamValue {
	if params == nil {
		return nil
	}
	clean := make(map[string]models.ParamValue, len(params))
	for k, v := range params {
		if k == "token" {
			continue
		}
		clean[k] = v
	}
	return clean
}
