package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
	"github.com/grafioschtrader/gtnet/internal/token"
)

func TestLoggerAttributesAuthenticatedPeer(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()

	peer, err := db.UpsertPeer(ctx, &models.Peer{
		ID:     uuid.Must(uuid.NewV7()),
		Domain: "caller.test",
	})
	if err != nil {
		t.Fatal(err)
	}
	tok, err := token.Mint()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SavePeerConfig(ctx, &models.PeerConfig{PeerID: peer.ID, TokenThis: tok}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	auth := NewAuthMiddleware(db)

	handler := Logger(logger)(auth.RequirePeer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodPost, "/msg", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if !strings.Contains(buf.String(), `"peer":"caller.test"`) {
		t.Fatalf("request log missing peer domain: %s", buf.String())
	}
}

func TestLoggerOmitsPeerForAnonymousRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	handler := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if strings.Contains(buf.String(), `"peer"`) {
		t.Fatalf("anonymous request log carries a peer field: %s", buf.String())
	}
}
