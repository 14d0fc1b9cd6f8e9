package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uncord-chat/uncord-client/gateway"
	"github.com/uncord-chat/uncord-client/internal/config"
	"github.com/uncord-chat/uncord-client/internal/metrics"
	"github.com/uncord-chat/uncord-client/relay"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Probe stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("host", cfg.GatewayHost).
		Int("shard_id", cfg.ShardID).
		Int("shard_count", cfg.ShardCount).
		Msg("Starting Uncord gateway probe")

	sink := logSink(log.Logger)

	// Optional NATS relay: events go to NATS and are logged at debug instead of info.
	if cfg.NATSURL != "" {
		relayCfg := relay.DefaultConfig()
		relayCfg.URL = cfg.NATSURL
		relayCfg.SubjectPrefix = cfg.NATSSubjectPrefix
		r, rErr := relay.New(relayCfg, log.Logger)
		if rErr != nil {
			return fmt.Errorf("connect relay: %w", rErr)
		}
		defer r.Close()

		publish := r.Sink()
		sink = func(eventType string, data json.RawMessage) {
			log.Debug().Str("event", eventType).Msg("Gateway event")
			publish(eventType, data)
		}
	}

	var initialPresence json.RawMessage
	if cfg.InitialPresence != "" {
		initialPresence = json.RawMessage(cfg.InitialPresence)
	}

	engine, err := gateway.New(gateway.Config{
		Host:                    cfg.GatewayHost,
		Token:                   cfg.Token,
		APIVersion:              cfg.APIVersion,
		ShardID:                 cfg.ShardID,
		ShardCount:              cfg.ShardCount,
		LargeThreshold:          cfg.LargeThreshold,
		Incognito:               cfg.Incognito,
		InitialPresence:         initialPresence,
		MaxPersistentBufferSize: cfg.MaxBufferSize,
		CommandRateLimit:        cfg.CommandRateLimit,
		CommandRateWindow:       cfg.CommandRateWindow,
		Logger:                  log.Logger,
	}, sink)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	// Prometheus listener (optional).
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics listener started")
			if srvErr := srv.ListenAndServe(); srvErr != nil && !errors.Is(srvErr, http.ErrServerClosed) {
				log.Error().Err(srvErr).Msg("Metrics listener stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Graceful shutdown on SIGINT/SIGTERM: close the engine and wait for the run loop to drain.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("Shutting down probe")
		engine.Close(true)
	}()

	if err := engine.Run(context.Background()); err != nil {
		return fmt.Errorf("gateway engine: %w", err)
	}
	return nil
}

// logSink returns an event sink that logs every dispatch event.
func logSink(logger zerolog.Logger) gateway.EventSink {
	return func(eventType string, data json.RawMessage) {
		evt := logger.Info().Str("event", eventType)
		if len(data) > 0 {
			evt = evt.RawJSON("data", data)
		}
		evt.Msg("Gateway event")
	}
}
