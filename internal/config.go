package internal

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read from the environment.
type Config struct {
	DBURI        string        `env:"OCCUPANCY_DB,required,notEmpty"`
	BindAddr     string        `env:"OCCUPANCY_BINDADDR" envDefault:"0.0.0.0:8008"`
	PromAddr     string        `env:"OCCUPANCY_PROM"`
	SentryDSN    string        `env:"OCCUPANCY_SENTRY_DSN"`
	OTLPURL      string        `env:"OCCUPANCY_OTLP_URL"`
	OTLPUsername string        `env:"OCCUPANCY_OTLP_USERNAME"`
	OTLPPassword string        `env:"OCCUPANCY_OTLP_PASSWORD"`
	JWTSecret    string        `env:"OCCUPANCY_JWT_SECRET,required,notEmpty"`
	TokenExpiry  time.Duration `env:"OCCUPANCY_TOKEN_EXPIRY" envDefault:"24h"`
	RequireAuth  bool          `env:"OCCUPANCY_REQUIRE_AUTH" envDefault:"true"`
	SessionLimit int           `env:"OCCUPANCY_SESSION_LIMIT" envDefault:"10"`
	TxnRetries   int           `env:"OCCUPANCY_TXN_RETRIES" envDefault:"5"`
	RedisAddr    string        `env:"OCCUPANCY_REDIS_ADDR"`
	MQTTBroker   string        `env:"OCCUPANCY_MQTT_BROKER"`
	MQTTTopic    string        `env:"OCCUPANCY_MQTT_TOPIC" envDefault:"occupancy/sensors"`
	MQTTClientID string        `env:"OCCUPANCY_MQTT_CLIENT_ID" envDefault:"occupancyd"`
}

// ParseConfig loads configuration from environment variables.
func ParseConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.SessionLimit <= 0 {
		return nil, fmt.Errorf("OCCUPANCY_SESSION_LIMIT must be positive, got %d", cfg.SessionLimit)
	}
	if cfg.TxnRetries < 0 {
		return nil, fmt.Errorf("OCCUPANCY_TXN_RETRIES must not be negative, got %d", cfg.TxnRetries)
	}
	return &cfg, nil
}
