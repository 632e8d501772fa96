// Package config loads the broker's runtime configuration from environment
// variables (with an optional .env file), grounded on ws/config.go's
// caarlos0/env + godotenv pattern in the teacher repo.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable spec §6 names.
type Config struct {
	// Network
	Host string `env:"BROKER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"BROKER_PORT" envDefault:"3000"`

	// Admission
	MaxConnections     int           `env:"BROKER_MAX_CONNECTIONS" envDefault:"10000"`
	ConnectionTimeout  time.Duration `env:"BROKER_CONNECTION_TIMEOUT" envDefault:"30s"`
	CPURejectThreshold float64       `env:"BROKER_CPU_REJECT_THRESHOLD" envDefault:"0"` // 0 disables the guard

	// Connection-attempt rate limiting (distinct from per-socket frame limits)
	ConnRateLimitEnabled     bool    `env:"BROKER_CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateLimitIPBurst     int     `env:"BROKER_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"BROKER_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"BROKER_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"500"`
	ConnRateLimitGlobalRate  float64 `env:"BROKER_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"100"`

	// Codec
	CompressionThreshold int    `env:"BROKER_COMPRESSION_THRESHOLD" envDefault:"1024"`
	CompressionLevel     int    `env:"BROKER_COMPRESSION_LEVEL" envDefault:"6"`
	EnableEncryption     bool   `env:"BROKER_ENABLE_ENCRYPTION" envDefault:"false"`
	EncryptionKey        string `env:"BROKER_ENCRYPTION_KEY" envDefault:""`

	// Per-socket frame rate limiting
	EnableRateLimiting   bool          `env:"BROKER_ENABLE_RATE_LIMITING" envDefault:"true"`
	RateLimitWindow      time.Duration `env:"BROKER_RATE_LIMIT_WINDOW" envDefault:"1s"`
	RateLimitMaxRequests int           `env:"BROKER_RATE_LIMIT_MAX_REQUESTS" envDefault:"50"`

	// Acks
	AckTimeout time.Duration `env:"BROKER_ACK_TIMEOUT" envDefault:"30s"`

	// Client-side defaults. The server does not use them, and
	// cmd/broker-client does not load Config (it relies on pkg/client's
	// own Options defaults).
	ReconnectDelay       time.Duration `env:"BROKER_RECONNECT_DELAY" envDefault:"1s"`
	MaxReconnectAttempts int           `env:"BROKER_MAX_RECONNECT_ATTEMPTS" envDefault:"10"`

	// Observability
	MetricsEnabled    bool          `env:"BROKER_METRICS_ENABLED" envDefault:"true"`
	MetricsListenAddr string        `env:"BROKER_METRICS_ADDR" envDefault:":9100"`
	MetricsInterval   time.Duration `env:"BROKER_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"BROKER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BROKER_LOG_FORMAT" envDefault:"json"`

	// Auth
	JWTSecret string `env:"BROKER_JWT_SECRET" envDefault:""`
}

// Load reads a .env file (if present, optional) then parses environment
// variables into Config, same priority order as ws/config.go: ENV vars >
// .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && logger != nil {
		logger.Info().Msg("no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Print logs a human-readable summary of the loaded config at startup,
// mirroring ws/config.go's Print().
func (c *Config) Print(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Host).
		Int("port", c.Port).
		Int("max_connections", c.MaxConnections).
		Bool("rate_limiting", c.EnableRateLimiting).
		Bool("encryption", c.EnableEncryption).
		Dur("ack_timeout", c.AckTimeout).
		Msg("broker configuration loaded")
}
