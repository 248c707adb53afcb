// Package remote calls peer instances over HTTPS.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/protocol"
	"github.com/grafioschtrader/gtnet/internal/store"
	"github.com/grafioschtrader/gtnet/internal/token"
)

const (
	msgPath       = "/gtnet/v1/msg"
	handshakePath = "/gtnet/v1/handshake"
)

// RemoteError is a protocol-level rejection from a peer.
type RemoteError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer returned %d: %s (%s)", e.Status, e.Message, e.Code)
}

// Client sends envelopes to remote instances, authenticating with the token
// minted for this instance during the handshake.
type Client struct {
	db            store.DataStore
	redis         *store.RedisStore
	dispatcher    *protocol.Dispatcher
	logger        zerolog.Logger
	domain        string
	spreadCapable bool
	httpClient    *http.Client
}

func NewClient(db store.DataStore, redis *store.RedisStore, dispatcher *protocol.Dispatcher, logger zerolog.Logger, domain string, spreadCapable bool) *Client {
	return &Client{
		db:            db,
		redis:         redis,
		dispatcher:    dispatcher,
		logger:        logger,
		domain:        domain,
		spreadCapable: spreadCapable,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

// markAlive records a successful wire exchange with the peer. Liveness is
// advisory scratch state; a recording failure only logs.
func (c *Client) markAlive(ctx context.Context, domain string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.MarkPeerAlive(ctx, domain); err != nil {
		c.logger.Debug().Err(err).Str("domain", domain).Msg("recording peer liveness failed")
	}
}

// baseURL keeps plain HTTP for local development targets only.
func baseURL(peerDomain string) string {
	if strings.HasPrefix(peerDomain, "localhost") || strings.HasPrefix(peerDomain, "127.") {
		return "http://" + peerDomain
	}
	return "https://" + peerDomain
}

// post sends one envelope and decodes the peer's reply. An empty reply body
// yields a nil envelope.
func (c *Client) post(ctx context.Context, peerDomain, path, bearer string, env *protocol.Envelope) (*protocol.Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(peerDomain)+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var wrapper struct {
			Error RemoteError `json:"error"`
		}
		if err := json.Unmarshal(respBody, &wrapper); err == nil && wrapper.Error.Message != "" {
			wrapper.Error.Status = resp.StatusCode
			return nil, &wrapper.Error
		}
		return nil, &RemoteError{Status: resp.StatusCode, Code: "PROCESSING", Message: strings.TrimSpace(string(respBody))}
	}

	if len(respBody) == 0 {
		return nil, nil
	}
	var reply protocol.Envelope
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil, fmt.Errorf("decoding reply from %s: %w", peerDomain, err)
	}
	if reply.Opcode == 0 {
		return nil, nil
	}
	return &reply, nil
}

// Call sends an envelope to a known peer. The outbound message is persisted
// before the wire call; a synchronous reply runs through the dispatcher so
// its side effects apply exactly as if it had arrived on its own.
func (c *Client) Call(ctx context.Context, peer *models.Peer, env *protocol.Envelope) (*protocol.Envelope, error) {
	cfg, err := c.db.GetPeerConfig(ctx, peer.ID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.TokenRemote == "" {
		return nil, fmt.Errorf("no credentials for peer %s, handshake first", peer.Domain)
	}

	peerID := peer.ID
	msg := &models.Message{
		ID:         ulid.Make().String(),
		PeerID:     &peerID,
		Timestamp:  time.Now(),
		Direction:  models.DirSend,
		Opcode:     env.Opcode,
		Text:       env.Text,
		Params:     env.Params,
		Payload:    env.Payload,
		Status:     models.DeliveryPending,
		Visibility: models.VisAllUsers,
	}
	if err := c.db.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	env.SourceID = msg.ID

	reply, err := c.post(ctx, peer.Domain, msgPath, cfg.TokenRemote, env)
	if err != nil {
		if uerr := c.db.UpdateMessageStatus(ctx, msg.ID, models.DeliveryFailed); uerr != nil {
			c.logger.Error().Err(uerr).Str("message", msg.ID).Msg("marking message failed")
		}
		return nil, err
	}
	if err := c.db.UpdateMessageStatus(ctx, msg.ID, models.DeliverySent); err != nil {
		return nil, err
	}
	c.markAlive(ctx, peer.Domain)

	if reply != nil && c.dispatcher != nil {
		if _, perr := c.dispatcher.Dispatch(ctx, peer, reply); perr != nil {
			return reply, perr
		}
	}
	return reply, nil
}

// Handshake introduces this instance to a remote one and stores the
// exchanged credentials. Re-running it against a known peer rotates both
// tokens and resets every negotiation.
func (c *Client) Handshake(ctx context.Context, peerDomain string) (*models.Peer, error) {
	minted, err := token.Mint()
	if err != nil {
		return nil, err
	}

	env := protocol.NewEnvelope(protocol.OpHandshake)
	env.SetString("domain", c.domain)
	env.SetString("token", minted)
	env.SetBool("spreadCapable", c.spreadCapable)
	env.SetBool("acceptEntityRequest", true)

	reply, err := c.post(ctx, peerDomain, handshakePath, "", env)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("peer %s sent no handshake reply", peerDomain)
	}
	if reply.Opcode == protocol.OpHandshakeReject {
		return nil, fmt.Errorf("peer %s rejected the handshake: %s", peerDomain, reply.Text)
	}
	if reply.Opcode != protocol.OpHandshakeAccept {
		return nil, fmt.Errorf("peer %s answered handshake with opcode %d", peerDomain, reply.Opcode)
	}
	remoteToken := reply.ParamString("token")
	if remoteToken == "" {
		return nil, fmt.Errorf("peer %s accepted without minting a token", peerDomain)
	}

	var peer *models.Peer
	err = c.db.Atomic(ctx, func(ctx context.Context, tx store.DataStore) error {
		peer, err = tx.GetPeerByDomain(ctx, peerDomain)
		if err != nil {
			return err
		}
		rehandshake := peer != nil
		if peer == nil {
			peer = &models.Peer{ID: uuid.Must(uuid.NewV7())}
		}
		peer.Domain = peerDomain
		peer.SpreadCapable = reply.ParamBool("spreadCapable")
		peer.AcceptEntityRequest = reply.ParamBool("acceptEntityRequest")
		if _, err := tx.UpsertPeer(ctx, peer); err != nil {
			return err
		}
		if err := tx.SavePeerConfig(ctx, &models.PeerConfig{
			PeerID:      peer.ID,
			TokenRemote: remoteToken,
			TokenThis:   minted,
		}); err != nil {
			return err
		}
		if rehandshake {
			return tx.ClearEntityConfigs(ctx, peer.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().Str("domain", peerDomain).Msg("handshake with peer completed")
	return peer, nil
}

// Ping checks peer liveness without touching any persisted state.
func (c *Client) Ping(ctx context.Context, peer *models.Peer) error {
	cfg, err := c.db.GetPeerConfig(ctx, peer.ID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("no credentials for peer %s", peer.Domain)
	}
	if _, err = c.post(ctx, peer.Domain, msgPath, cfg.TokenRemote, protocol.NewEnvelope(protocol.OpPing)); err != nil {
		return err
	}
	c.markAlive(ctx, peer.Domain)
	return nil
}

// RequestExchange asks a peer to open an exchange for one data kind.
func (c *Client) RequestExchange(ctx context.Context, peer *models.Peer, kind models.EntityKind, mode models.AcceptRequestType) (*protocol.Envelope, error) {
	env := protocol.NewEnvelope(protocol.OpExchangeRequest)
	env.SetString("entity", string(kind))
	env.SetString("mode", string(mode))
	return c.Call(ctx, peer, env)
}

// Deliver re-sends a stored broadcast message to one target peer. Used by
// the retry scan; the message is not re-persisted.
func (c *Client) Deliver(ctx context.Context, peer *models.Peer, msg *models.Message) error {
	cfg, err := c.db.GetPeerConfig(ctx, peer.ID)
	if err != nil {
		return err
	}
	if cfg == nil || cfg.TokenRemote == "" {
		return fmt.Errorf("no credentials for peer %s", peer.Domain)
	}

	env := &protocol.Envelope{
		Opcode:    msg.Opcode,
		Timestamp: msg.Timestamp.UnixMilli(),
		Text:      msg.Text,
		Params:    msg.Params,
		Payload:   msg.Payload,
		SourceID:  msg.ID,
	}
	if _, err = c.post(ctx, peer.Domain, msgPath, cfg.TokenRemote, env); err != nil {
		return err
	}
	c.markAlive(ctx, peer.Domain)
	return nil
}
