// Command broker-client is a small demo client exercising pkg/client
// against a running broker-server namespace, in the spirit of
// loadtest/main.go's standalone connection-exerciser.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsbroker/broker/internal/ack"
	"github.com/wsbroker/broker/pkg/client"
)

func main() {
	var (
		baseURL   = flag.String("url", "ws://127.0.0.1:3000", "broker base URL")
		namespace = flag.String("namespace", "/", "namespace to connect to")
	)
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	c := client.New(client.Options{
		BaseURL:   *baseURL,
		Namespace: *namespace,
		Logger:    logger,
	})

	c.On("reconnected", func(data any) {
		logger.Info().Msg("reconnected to broker")
	})
	c.On("max_reconnect_reached", func(data any) {
		logger.Error().Msg("exhausted reconnect attempts, giving up")
	})

	if err := c.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	logger.Info().Str("url", *baseURL).Str("namespace", *namespace).Msg("connected")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			c.EmitWithAck("ping", map[string]any{"at": time.Now().Format(time.RFC3339)}, func(r ack.Response) {
				if r.TimedOut {
					logger.Warn().Msg("ping ack timed out")
					return
				}
				logger.Info().Interface("reply", r.Value).Msg("ping acked")
			})
		case <-sigCh:
			logger.Info().Msg("shutting down")
			_ = c.Close()
			return
		}
	}
}
