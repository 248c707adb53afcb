package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/grafioschtrader/gtnet/internal/api"
	"github.com/grafioschtrader/gtnet/internal/config"
	"github.com/grafioschtrader/gtnet/internal/delivery"
	"github.com/grafioschtrader/gtnet/internal/handlers"
	"github.com/grafioschtrader/gtnet/internal/protocol"
	"github.com/grafioschtrader/gtnet/internal/remote"
	"github.com/grafioschtrader/gtnet/internal/rules"
	"github.com/grafioschtrader/gtnet/internal/store"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Pick the database backend: Postgres in deployment, SQLite for small
	// single-host setups, memory as the development fallback.
	var db store.DataStore
	switch {
	case cfg.DatabaseURL != "":
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		db = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		sqlStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		db = sqlStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
	default:
		db = store.NewMemoryStore()
		logger.Warn().Msg("no database configured, state is in-memory only")
	}
	defer db.Close()

	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	engine := rules.NewEngine(db, logger)

	dispatcher := protocol.NewDispatcher(protocol.Deps{
		DB:                    db,
		Redis:                 redisStore,
		Rules:                 engine,
		Logger:                logger,
		Domain:                cfg.Domain,
		SpreadCapable:         cfg.SpreadCapable,
		AcceptUnknownPeer:     cfg.AcceptUnknownPeer,
		DefaultMaxInstruments: cfg.MaxInstrumentsDefault,
	})

	client := remote.NewClient(db, redisStore, dispatcher, logger, cfg.Domain, cfg.SpreadCapable)
	broadcaster := delivery.NewBroadcaster(db, logger)

	h := handlers.NewHandler(db, redisStore, dispatcher, client, broadcaster, engine, logger)
	router := api.NewRouter(logger, db, redisStore, h)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Retry loop for broadcast deliveries.
	schedCtx, stopSched := context.WithCancel(ctx)
	scheduler := delivery.NewScheduler(db, client, cfg.RetryInterval, cfg.RetryMaxBackoff, logger)
	go scheduler.Run(schedCtx)

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("domain", cfg.Domain).
			Msg("starting gtnet server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stopSched()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
