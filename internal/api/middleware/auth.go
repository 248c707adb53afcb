package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

type contextKey string

// PeerContextKey holds the authenticated *models.Peer in the request context.
const PeerContextKey contextKey = "peer"

// AuthMiddleware resolves the bearer token minted during the handshake to
// the calling peer.
type AuthMiddleware struct {
	db store.DataStore
}

func NewAuthMiddleware(db store.DataStore) *AuthMiddleware {
	return &AuthMiddleware{db: db}
}

// RequirePeer rejects calls without a valid peer token.
func (m *AuthMiddleware) RequirePeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		bearer := strings.TrimPrefix(header, "Bearer ")
		if bearer == "" {
			jsonError(w, http.StatusUnauthorized, "empty bearer token")
			return
		}

		cfg, err := m.db.FindPeerConfigByToken(r.Context(), bearer)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, "token lookup failed")
			return
		}
		if cfg == nil {
			jsonError(w, http.StatusUnauthorized, "unknown token")
			return
		}

		peer, err := m.db.GetPeerByID(r.Context(), cfg.PeerID)
		if err != nil || peer == nil {
			jsonError(w, http.StatusUnauthorized, "peer no longer exists")
			return
		}

		tagPeer(r.Context(), peer.Domain)
		ctx := context.WithValue(r.Context(), PeerContextKey, peer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PeerFromContext returns the authenticated peer, or nil.
func PeerFromContext(ctx context.Context) *models.Peer {
	peer, _ := ctx.Value(PeerContextKey).(*models.Peer)
	return peer
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":{"code":"VALIDATION","message":"` + message + `"}}`))
}
