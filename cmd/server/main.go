package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arborlabs/arbor/internal/api"
	"github.com/arborlabs/arbor/internal/config"
	"github.com/arborlabs/arbor/internal/generation"
	"github.com/arborlabs/arbor/internal/handlers"
	"github.com/arborlabs/arbor/internal/store"
	"github.com/arborlabs/arbor/internal/stream"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
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

	// Initialize the message store: Postgres when configured, SQLite otherwise
	var st store.Store
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		st = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		path := cfg.SQLitePath
		if path == "" {
			path = "arbor.db"
		}
		sqliteStore, err := store.NewSQLiteStore(ctx, path)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		st = sqliteStore
		logger.Info().Str("path", path).Msg("using SQLite")
	}
	defer st.Close()

	// Initialize the event transport: Redis pub/sub when configured, the
	// in-process broker otherwise (single-node only)
	var transport stream.Transport
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		var err error
		redisClient, err = stream.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		transport = stream.NewRedisTransport(redisClient, logger)
		logger.Info().Msg("connected to Redis")
	} else {
		transport = stream.NewBroker(logger)
		logger.Info().Msg("using in-process event broker")
	}

	// Generation pipeline
	generator := generation.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	worker := generation.NewWorker(generator, st, transport, generation.Config{
		BatchMaxChars: cfg.BatchMaxChars,
		BatchInterval: cfg.BatchInterval,
		TitleModel:    cfg.TitleModel,
	}, logger)
	supervisor := generation.NewSupervisor(worker)

	// Create router
	h := handlers.NewHandler(st, transport, supervisor, generator, redisClient, cfg, logger)
	router := api.NewRouter(h, redisClient, cfg, logger)

	// Create server. No WriteTimeout: subscribe connections are long-lived
	// event streams that stay open across idle generations.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting arbor server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout, shared between draining HTTP
	// connections and letting in-flight generations persist their replies
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	if err := supervisor.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("generations cancelled before completion")
	}

	logger.Info().Msg("server stopped")
}
