// Command broker-server boots the WebSocket broker: it loads configuration,
// registers namespaces, and runs until SIGINT/SIGTERM, at which point it
// drains connections gracefully. Grounded on ws/main.go's bootstrap shape.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/wsbroker/broker/internal/auth"
	"github.com/wsbroker/broker/internal/config"
	"github.com/wsbroker/broker/internal/observability"
	"github.com/wsbroker/broker/pkg/broker"
)

func main() {
	bootstrapLogger := observability.NewLogger(observability.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: observability.LogFormat(cfg.LogFormat),
	})
	cfg.Print(logger)

	srv, err := broker.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create broker server")
	}

	registerNamespaces(srv, cfg, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("broker server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// registerNamespaces registers a "ping" handler on the root namespace that
// acks with {"pong": true} and, when a JWT secret is configured, an
// authenticated "/secure" namespace — a
// minimal demonstration of the public registration API, not a fixed
// feature set applications are expected to keep.
func registerNamespaces(srv *broker.Server, cfg *config.Config, logger zerolog.Logger) {
	root := srv.Namespace(broker.RootPath)
	root.On("ping", func(s *broker.Socket, data any, ack broker.AckFunc) {
		if ack != nil {
			ack(map[string]any{"pong": true})
		}
	})

	if cfg.JWTSecret == "" {
		return
	}

	manager := auth.NewManager(cfg.JWTSecret, 24*time.Hour)
	secure := srv.Namespace("/secure")
	secure.Use(broker.AuthMiddleware(manager))
}
