package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/api/middleware"
	"github.com/grafioschtrader/gtnet/internal/handlers"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// NewRouter creates and configures the HTTP router. The peer surface is two
// endpoints; everything under /admin is for operators and expected to sit
// behind a trusted reverse proxy.
func NewRouter(logger zerolog.Logger, db store.DataStore, redisStore *store.RedisStore, h *handlers.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB, pushes carry payloads
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if redisStore != nil {
		limiter := middleware.NewRateLimiter(redisStore.Client(), logger)
		r.Use(limiter.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := middleware.NewAuthMiddleware(db)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	// Peer-facing protocol surface.
	r.Post("/gtnet/v1/handshake", h.Handshake)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePeer)
		r.Post("/gtnet/v1/msg", h.PostMessage)
	})

	// Operator surface.
	r.Route("/admin", func(r chi.Router) {
		r.Get("/peers", h.ListPeers)
		r.Post("/peers/handshake", h.InitiateHandshake)
		r.Post("/peers/{id}/exchange", h.RequestExchange)
		r.Put("/peers/{id}/entities/{kind}", h.SaveEntityConfig)
		r.Post("/peers/{id}/revoke", h.RevokePeer)
		r.Post("/announce", h.Announce)

		r.Get("/messages", h.ListMessages)
		r.Post("/messages/{id}/read", h.MarkRead)
		r.Delete("/messages/{id}", h.DeleteMessage)

		r.Get("/rules", h.ListRules)
		r.Post("/rules", h.SaveRule)
		r.Delete("/rules/{id}", h.DeleteRule)

		r.Get("/broadcasts", h.ListBroadcasts)
		r.Post("/broadcasts", h.IssueBroadcast)
		r.Delete("/broadcasts/{id}", h.CancelBroadcast)
	})

	return r
}
