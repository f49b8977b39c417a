// Package config loads the pipeline's environment-variable configuration
// into a single struct via struct tags, grounded on the retrieval pack's
// github.com/adred-codev/ws_poc config.go (caarlos0/env/v11's
// env.Parse + envDefault tags), generalized from that server's WebSocket/
// Kafka knobs to this pipeline's buffer, cadence and backend settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-derived setting the pipeline needs.
type Config struct {
	// Backends.
	DatabaseURLPostgreSQL string `env:"DATABASE_URL_POSTGRESQL,required"`
	RedisURL              string `env:"REDIS_URL,required"`
	// DatabasePath is accepted for deployments that still set it, but the
	// pipeline has no SQLite component left to consume it.
	DatabasePath string `env:"DATABASE_PATH" envDefault:""`

	// HTTP.
	IngestAddr  string `env:"INGEST_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// C1 sensor buffer.
	BufferCapacity int `env:"BUFFER_CAPACITY" envDefault:"25600"`
	MinSamples     int `env:"MIN_SAMPLES" envDefault:"10000"`
	SamplingRateHz int `env:"SAMPLING_RATE_HZ" envDefault:"25600"`

	// C7 housekeeping.
	MaxIdleMinutes int `env:"MAX_IDLE_MINUTES" envDefault:"60"`

	// C3 connection pool.
	DurableMinConns        int32         `env:"DURABLE_MIN_CONNS" envDefault:"10"`
	DurableMaxConns        int32         `env:"DURABLE_MAX_CONNS" envDefault:"50"`
	DurableMaxConnIdleTime time.Duration `env:"DURABLE_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	DurableMaxConnLifetime time.Duration `env:"DURABLE_MAX_CONN_LIFETIME" envDefault:"30m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses environment variables into a Config, applying envDefault
// tags and failing if a required variable (DATABASE_URL_POSTGRESQL,
// REDIS_URL) is unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURLPostgreSQL) == "" {
		return fmt.Errorf("DATABASE_URL_POSTGRESQL must not be blank")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL must not be blank")
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("BUFFER_CAPACITY must be positive, got %d", c.BufferCapacity)
	}
	if c.MinSamples <= 0 || c.MinSamples > c.BufferCapacity {
		return fmt.Errorf("MIN_SAMPLES must be positive and <= BUFFER_CAPACITY, got %d", c.MinSamples)
	}
	if c.MaxIdleMinutes <= 0 {
		return fmt.Errorf("MAX_IDLE_MINUTES must be positive, got %d", c.MaxIdleMinutes)
	}
	return nil
}
