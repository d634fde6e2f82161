// Command relay runs the realtime gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/helpdeck/relay/internal/auth"
	"github.com/helpdeck/relay/internal/backend"
	"github.com/helpdeck/relay/internal/bus"
	"github.com/helpdeck/relay/internal/config"
	"github.com/helpdeck/relay/internal/gateway"
	"github.com/helpdeck/relay/internal/logging"
	"github.com/helpdeck/relay/internal/store"
)

func main() {
	bootstrap := logging.New("info", "json")

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration error")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.Open(ctx, store.Options{
		Driver:   cfg.StoreDriver,
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Coordination store unavailable")
	}
	defer st.Close()

	b := openBus(cfg, logger)
	defer b.Close()

	srv, err := gateway.NewServer(gateway.Options{
		Config:  cfg,
		Logger:  logger,
		Store:   st,
		Bus:     b,
		Auth:    auth.NewJWTAuthenticator(cfg.JWTSecret),
		Backend: openBackend(cfg, logger),
		Pusher:  backend.NopPusher{},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Gateway assembly failed")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Gateway start failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
		os.Exit(1)
	}
}

// openBackend selects the persistence collaborator. Only the in-memory
// driver exists in this repository; conversation state is process-local with
// it, so it is for development and testing, not multi-node deployments.
func openBackend(cfg *config.Config, logger zerolog.Logger) backend.Messages {
	switch cfg.BackendDriver {
	case "memory":
		logger.Warn().Msg("In-memory backend selected, conversation state is process-local (development only)")
		return backend.NewMemory()
	default:
		logger.Fatal().Str("driver", cfg.BackendDriver).Msg("Unknown backend driver")
		return nil
	}
}

// openBus selects NATS when a URL is configured and the in-process bus
// otherwise (single-node deployments and local development).
func openBus(cfg *config.Config, logger zerolog.Logger) bus.Bus {
	if cfg.NATSURL == "" {
		logger.Info().Msg("No NATS URL configured, using in-process bus")
		return bus.NewLocalBus()
	}
	nb, err := bus.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Broadcast bus unavailable")
	}
	return nb
}
