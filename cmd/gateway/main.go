// Package main is the entry point for the turbo-da gateway.
//
// The gateway is the live submission path: it accepts payloads over HTTP,
// persists them to the ledger, and drives them through the worker pool to
// the DA chain. The process is designed for production operation with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health and readiness endpoints for load balancers
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
//
// The process initializes:
// 1. Database connections (PostgreSQL + Redis)
// 2. The API-key cache warmer
// 3. The signer pool and chain dialer
// 4. The dispatcher and supervised worker pool
// 5. The HTTP server
//
// Configuration is via environment variables (12-factor app pattern).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/availproject/turbo-da/internal/api"
	"github.com/availproject/turbo-da/internal/auth"
	"github.com/availproject/turbo-da/internal/chain"
	"github.com/availproject/turbo-da/internal/config"
	"github.com/availproject/turbo-da/internal/credit"
	"github.com/availproject/turbo-da/internal/dispatch"
	"github.com/availproject/turbo-da/internal/hotstate"
	"github.com/availproject/turbo-da/internal/ledger"
	"github.com/availproject/turbo-da/internal/pipeline"
	"github.com/availproject/turbo-da/internal/signer"
	"github.com/availproject/turbo-da/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment, "turbo-da-gateway")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Int("workers", cfg.NumberOfThreads).
		Int("endpoints", len(cfg.RPCEndpoints)).
		Msg("starting turbo-da gateway")

	// Ledger (PostgreSQL).
	store, err := ledger.New(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ledger")
	}
	defer store.Close()
	logger.Info().Msg("ledger initialized")

	// Hot state (Redis).
	hot, err := hotstate.NewRedis(cfg.RedisURL, cfg.RedisPassword, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	logger.Info().Str("addr", cfg.RedisURL).Msg("connected to redis")

	// Warm the API-key cache before accepting traffic; an empty cache
	// sends every request to the database.
	warmer := hotstate.NewWarmer(hot, store, logger)
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := warmer.WarmAPIKeys(warmCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to warm api key cache")
	}
	warmCancel()
	warmer.StartPeriodicRefresh(5 * time.Minute)
	defer warmer.Stop()

	// Signers and chain access.
	signers, err := signer.NewPool(cfg.PrivateKeys)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load signer keys")
	}
	dialer := chain.NewDialer(cfg.RPCEndpoints, cfg.RetryWait, logger)

	// Dispatch and the supervised worker pool.
	broadcaster := dispatch.NewBroadcaster(cfg.BroadcastChannelSize, logger)
	gate := credit.NewGate(hot, logger)
	proc := pipeline.New(store, gate, cfg.SubmitTimeout, logger)

	supervisor := worker.NewSupervisor(worker.SupervisorConfig{
		Workers:           cfg.NumberOfThreads,
		Period:            cfg.SupervisorPeriod,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Pace:              cfg.WorkerPace,
	}, proc, dialer, signers, broadcaster, logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	go supervisor.Run(rootCtx)

	// HTTP surface.
	resolver := auth.NewResolver(hot, store, logger)
	handler := api.NewHandler(store, broadcaster, dialer, hot, api.Config{
		MaxPayloadSize:     cfg.MaxPayloadSize,
		MaxPendingRequests: cfg.MaxPendingRequests,
		Threads:            cfg.NumberOfThreads,
	}, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, resolver)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.CORS(api.LoggingMiddleware(logger)(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second, // pre-image read-back can be slow
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Wait for shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	// In-flight submissions not yet written back stay Pending; the
	// fallback reconciler picks them up after the age threshold.
	rootCancel()
	logger.Info().Msg("worker pool stopped")

	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Pretty console output in development, JSON in production.
	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Str("environment", environment).
		Logger()
}
