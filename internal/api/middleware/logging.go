package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type peerTagKey struct{}

// peerTag is filled in by the auth middleware after the logger has wrapped
// the request, so completed peer calls can be attributed to their domain.
type peerTag struct {
	domain string
}

func tagPeer(ctx context.Context, domain string) {
	if tag, ok := ctx.Value(peerTagKey{}).(*peerTag); ok {
		tag.domain = domain
	}
}

// Logger returns a request logging middleware using zerolog. Authenticated
// peer calls carry the calling instance's domain.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			tag := &peerTag{}
			r = r.WithContext(context.WithValue(r.Context(), peerTagKey{}, tag))

			defer func() {
				evt := logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr)
				if tag.domain != "" {
					evt = evt.Str("peer", tag.domain)
				}
				evt.Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
