// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Money
	Currency string // ISO 4217 code stamped on balances and transactions

	// Orchestration
	OperationTimeout time.Duration // per-operation deadline for mutating escrow calls
	ConflictRetries  int           // bounded retries on storage serialization conflicts

	// Payment capture
	StripeAPIKey string // enables verification of payment references against Stripe

	// Security
	WebhookSecret string // fallback HMAC secret for webhook deliveries
	AdminSecret   string // authenticates the dispute-resolution actor
	RateLimitRPM  int
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultCurrency      = "USD"
	DefaultOpTimeoutMS   = 5000
	DefaultRetryAttempts = 3
	DefaultRateLimit     = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		Currency:         getEnv("CURRENCY", DefaultCurrency),
		OperationTimeout: time.Duration(getEnvInt("OP_TIMEOUT_MS", DefaultOpTimeoutMS)) * time.Millisecond,
		ConflictRetries:  getEnvInt("CONFLICT_RETRIES", DefaultRetryAttempts),
		StripeAPIKey:     os.Getenv("STRIPE_API_KEY"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("OP_TIMEOUT_MS must be positive")
	}
	if c.ConflictRetries < 1 {
		return fmt.Errorf("CONFLICT_RETRIES must be at least 1")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
