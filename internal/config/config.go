// Package config loads gateway configuration from the environment, with an
// optional .env file for development. Priority: env vars > .env > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
type Config struct {
	// Server basics
	Addr string `env:"RELAY_ADDR" envDefault:":8080"`

	// Coordination store
	StoreDriver   string `env:"RELAY_STORE_DRIVER" envDefault:"redis"` // redis | memory
	RedisAddr     string `env:"RELAY_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"RELAY_REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"RELAY_REDIS_DB" envDefault:"0"`

	// Broadcast bus. Empty URL selects the in-process bus (single node).
	NATSURL string `env:"RELAY_NATS_URL" envDefault:"nats://localhost:4222"`

	// Persistence collaborator. "memory" is process-local and suitable for
	// development only; the production messages service binds here.
	BackendDriver string `env:"RELAY_BACKEND_DRIVER" envDefault:"memory"` // memory

	// Handshake credentials
	JWTSecret string `env:"RELAY_JWT_SECRET,required"`

	// Connection lifecycle
	MaxConnections int           `env:"RELAY_MAX_CONNECTIONS" envDefault:"10000"`
	SendQueueSize  int           `env:"RELAY_SEND_QUEUE_SIZE" envDefault:"256"`
	PingInterval   time.Duration `env:"RELAY_PING_INTERVAL" envDefault:"25s"`
	PongTimeout    time.Duration `env:"RELAY_PONG_TIMEOUT" envDefault:"60s"`
	HandshakeWait  time.Duration `env:"RELAY_HANDSHAKE_WAIT" envDefault:"5s"`
	PresenceTTL    time.Duration `env:"RELAY_PRESENCE_TTL" envDefault:"90s"`
	AckTimeout     time.Duration `env:"RELAY_ACK_TIMEOUT" envDefault:"10s"`

	// Rate limiting
	MessageRateCapacity int64         `env:"RELAY_MSG_RATE_CAPACITY" envDefault:"10"`
	MessageRateWindow   time.Duration `env:"RELAY_MSG_RATE_WINDOW" envDefault:"1s"`
	AuthWindowBudget    int64         `env:"RELAY_AUTH_WINDOW_BUDGET" envDefault:"30"`
	AuthWindow          time.Duration `env:"RELAY_AUTH_WINDOW" envDefault:"1m"`
	ConnLimitEnabled    bool          `env:"RELAY_CONN_LIMIT_ENABLED" envDefault:"true"`
	ConnLimitIPRate     float64       `env:"RELAY_CONN_LIMIT_IP_RATE" envDefault:"1"`
	ConnLimitIPBurst    int           `env:"RELAY_CONN_LIMIT_IP_BURST" envDefault:"10"`

	// Shutdown and reconnect
	ShutdownGrace  time.Duration `env:"RELAY_SHUTDOWN_GRACE" envDefault:"15s"`
	ReconnectDelay time.Duration `env:"RELAY_RECONNECT_DELAY" envDefault:"5s"`

	// Idempotency
	IdempotencyTTL time.Duration `env:"RELAY_IDEMPOTENCY_TTL" envDefault:"24h"`

	// Logging
	LogLevel  string `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RELAY_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env and the environment, then validates.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if c.StoreDriver != "redis" && c.StoreDriver != "memory" {
		return fmt.Errorf("RELAY_STORE_DRIVER must be redis or memory (got: %s)", c.StoreDriver)
	}
	if c.BackendDriver != "memory" {
		return fmt.Errorf("RELAY_BACKEND_DRIVER must be memory (got: %s)", c.BackendDriver)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("RELAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("RELAY_SEND_QUEUE_SIZE must be > 0, got %d", c.SendQueueSize)
	}
	if c.PingInterval >= c.PongTimeout {
		return fmt.Errorf("RELAY_PING_INTERVAL (%s) must be < RELAY_PONG_TIMEOUT (%s)",
			c.PingInterval, c.PongTimeout)
	}
	if c.PresenceTTL <= c.PingInterval {
		return fmt.Errorf("RELAY_PRESENCE_TTL (%s) must exceed RELAY_PING_INTERVAL (%s)",
			c.PresenceTTL, c.PingInterval)
	}
	if c.MessageRateCapacity < 1 {
		return fmt.Errorf("RELAY_MSG_RATE_CAPACITY must be > 0, got %d", c.MessageRateCapacity)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("RELAY_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("RELAY_LOG_FORMAT must be json or pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("store_driver", c.StoreDriver).
		Str("redis_addr", c.RedisAddr).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Int("send_queue_size", c.SendQueueSize).
		Dur("ping_interval", c.PingInterval).
		Dur("pong_timeout", c.PongTimeout).
		Dur("presence_ttl", c.PresenceTTL).
		Int64("msg_rate_capacity", c.MessageRateCapacity).
		Dur("msg_rate_window", c.MessageRateWindow).
		Dur("shutdown_grace", c.ShutdownGrace).
		Dur("reconnect_delay", c.ReconnectDelay).
		Str("log_level", c.LogLevel).
		Msg("Gateway configuration loaded")
}
