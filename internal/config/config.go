// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Embedded idempotency store (optional; used when running without Postgres
	// so idempotency records survive restarts)
	IdempotencyDBPath string

	// Settlement
	SettlementMinDelay    time.Duration
	SettlementMaxDelay    time.Duration
	SettlementSuccessRate float64 // probability a pending transaction succeeds

	// Webhooks
	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookBaseDelay   time.Duration

	// Jobs
	JobWorkers     int
	JobMaxAttempts int

	// Cache
	CacheTTL time.Duration

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultSettlementMinDelay = 3 * time.Second
	DefaultSettlementMaxDelay = 5 * time.Second
	DefaultSuccessRate        = 0.80
	DefaultWebhookTimeout     = 10 * time.Second
	DefaultWebhookAttempts    = 3
	DefaultWebhookBaseDelay   = 3 * time.Second
	DefaultJobWorkers         = 8
	DefaultJobAttempts        = 3
	DefaultCacheTTL           = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		IdempotencyDBPath:     os.Getenv("IDEMPOTENCY_DB_PATH"),
		SettlementMinDelay:    getEnvDuration("SETTLEMENT_MIN_DELAY", DefaultSettlementMinDelay),
		SettlementMaxDelay:    getEnvDuration("SETTLEMENT_MAX_DELAY", DefaultSettlementMaxDelay),
		SettlementSuccessRate: getEnvFloat("SETTLEMENT_SUCCESS_RATE", DefaultSuccessRate),
		WebhookTimeout:        getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		WebhookMaxAttempts:    int(getEnvInt64("WEBHOOK_MAX_ATTEMPTS", DefaultWebhookAttempts)),
		WebhookBaseDelay:      getEnvDuration("WEBHOOK_BASE_DELAY", DefaultWebhookBaseDelay),
		JobWorkers:            int(getEnvInt64("JOB_WORKERS", DefaultJobWorkers)),
		JobMaxAttempts:        int(getEnvInt64("JOB_MAX_ATTEMPTS", DefaultJobAttempts)),
		CacheTTL:              getEnvDuration("CACHE_TTL", DefaultCacheTTL),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.SettlementSuccessRate < 0 || c.SettlementSuccessRate > 1 {
		return fmt.Errorf("SETTLEMENT_SUCCESS_RATE must be between 0 and 1")
	}
	if c.SettlementMaxDelay < c.SettlementMinDelay {
		return fmt.Errorf("SETTLEMENT_MAX_DELAY must be >= SETTLEMENT_MIN_DELAY")
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.JobWorkers < 1 {
		return fmt.Errorf("JOB_WORKERS must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
