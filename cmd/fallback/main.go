// Package main is the entry point for the turbo-da fallback reconciler.
//
// The reconciler runs as a separate process from the gateway, sharing only
// the database and the chain. It periodically scans for submissions the
// live path did not resolve - errored rows with retries left, and aged
// pending rows - and re-drives them through the same pipeline the workers
// use. Multiple instances can run concurrently; the atomic retry claim
// keeps them off each other's rows.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/availproject/turbo-da/internal/chain"
	"github.com/availproject/turbo-da/internal/config"
	"github.com/availproject/turbo-da/internal/credit"
	"github.com/availproject/turbo-da/internal/fallback"
	"github.com/availproject/turbo-da/internal/hotstate"
	"github.com/availproject/turbo-da/internal/ledger"
	"github.com/availproject/turbo-da/internal/pipeline"
	"github.com/availproject/turbo-da/internal/signer"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Dur("interval", cfg.ReconcilerInterval).
		Dur("age_threshold", cfg.ReconcilerAge).
		Int("max_retries", cfg.MaxRetries).
		Msg("starting turbo-da fallback reconciler")

	store, err := ledger.New(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ledger")
	}
	defer store.Close()

	hot, err := hotstate.NewRedis(cfg.RedisURL, cfg.RedisPassword, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	signers, err := signer.NewPool(cfg.PrivateKeys)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load signer keys")
	}
	dialer := chain.NewDialer(cfg.RPCEndpoints, cfg.RetryWait, logger)

	gate := credit.NewGate(hot, logger)
	proc := pipeline.New(store, gate, cfg.SubmitTimeout, logger)

	reconciler := fallback.New(fallback.Config{
		Interval:   cfg.ReconcilerInterval,
		Age:        cfg.ReconcilerAge,
		BatchSize:  cfg.ReconcilerBatchSize,
		MaxRetries: cfg.MaxRetries,
	}, store, proc, dialer, signers, logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	go reconciler.Run(rootCtx)

	// Metrics and health only; the reconciler has no API.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpServer := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	logger.Info().Msg("shutdown complete")
}

func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "turbo-da-fallback").
		Str("environment", environment).
		Logger()
}
