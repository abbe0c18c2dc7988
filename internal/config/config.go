package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

const defaultDSN = "host=localhost user=postgres password=postgres dbname=retail_hub port=5432 sslmode=disable"

type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"host=localhost user=postgres password=postgres dbname=retail_hub port=5432 sslmode=disable"`
	JWTSecret   string `env:"JWT_SECRET"`
	CORSOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:5173"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding string `env:"LOG_ENCODING" envDefault:"json"`
	LogFile     string `env:"LOG_FILE"` // empty: stdout only

	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`

	PushTimeout      time.Duration `env:"PUSH_TIMEOUT" envDefault:"15s"`
	PushConcurrency  int           `env:"PUSH_CONCURRENCY" envDefault:"4"`
	SyncCooldown     time.Duration `env:"SYNC_COOLDOWN" envDefault:"5m"`
	IngestBatchSize  int           `env:"INGEST_BATCH_SIZE" envDefault:"50"`
	RetryLimit       int           `env:"RETRY_DEFAULT_LIMIT" envDefault:"50"`
	LedgerNarrowKind bool          `env:"LEDGER_NARROW_KINDS" envDefault:"false"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"retail-hub.events"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	cfg.CORSOrigins = normalizeOrigins(cfg.CORSOrigins)
	return cfg, nil
}

// Validate checks the settings the server cannot run without.
// Warnings for development defaults are returned separately so callers can log them.
func (c *Config) Validate() (warnings []string, err error) {
	if c.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	if len(c.JWTSecret) < 32 {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}
	if c.IngestBatchSize <= 0 {
		return nil, fmt.Errorf("INGEST_BATCH_SIZE must be positive, got %d", c.IngestBatchSize)
	}
	if c.PushConcurrency <= 0 {
		return nil, fmt.Errorf("PUSH_CONCURRENCY must be positive, got %d", c.PushConcurrency)
	}
	if c.PushTimeout <= 0 {
		return nil, errors.New("PUSH_TIMEOUT must be positive")
	}

	if c.DatabaseDSN == defaultDSN {
		warnings = append(warnings, "DATABASE_DSN uses the development default")
	}
	if c.CORSOrigins == "http://localhost:5173" {
		warnings = append(warnings, "CORS_ALLOWED_ORIGINS uses the development default")
	}
	return warnings, nil
}

func normalizeOrigins(raw string) string {
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ",")
}
