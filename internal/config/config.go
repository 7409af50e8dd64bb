// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string (optional, uses in-memory if not set)

	// Ledger collaborator (account service)
	LedgerBaseURL string
	LedgerTimeout time.Duration

	// External transfer rail
	StripeSecretKey string

	// Notification collaborator
	NotifyURL string // empty = log-only delivery

	// Deposit gateway webhook signing secret. Empty disables signature
	// checks, which is only acceptable in development.
	WebhookSecret string

	// Risk settings
	RiskTimeout          time.Duration
	HighAmountThreshold  decimal.Decimal
	VelocityDailyLimit   decimal.Decimal
	VelocityWindow       time.Duration
	HighRiskOverrideList string // comma-separated user IDs always treated as HIGH

	// Challenge settings
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int
	ResendCooldown       time.Duration

	// Transaction limits
	DailyTransferLimit   decimal.Decimal
	MonthlyTransferLimit decimal.Decimal

	// Observability
	OTLPEndpoint string
	RateLimitRPM int

	// CORS
	AllowedOrigins []string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLedgerTimeout  = 3 * time.Second
	DefaultRiskTimeout    = 2 * time.Second
	DefaultChallengeTTL   = 5 * time.Minute
	DefaultMaxAttempts    = 3
	DefaultResendCooldown = 30 * time.Second
	DefaultVelocityWindow = 24 * time.Hour
	DefaultRateLimit      = 120
)

var (
	DefaultHighAmountThreshold = decimal.NewFromInt(10000)
	DefaultVelocityDailyLimit  = decimal.NewFromInt(50000)
	DefaultDailyLimit          = decimal.NewFromInt(50000)
	DefaultMonthlyLimit        = decimal.NewFromInt(200000)
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		LedgerBaseURL:        os.Getenv("LEDGER_URL"),
		LedgerTimeout:        getEnvDuration("LEDGER_TIMEOUT", DefaultLedgerTimeout),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		NotifyURL:            os.Getenv("NOTIFY_URL"),
		WebhookSecret:        os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		RiskTimeout:          getEnvDuration("RISK_TIMEOUT", DefaultRiskTimeout),
		HighAmountThreshold:  getEnvDecimal("RISK_HIGH_AMOUNT_THRESHOLD", DefaultHighAmountThreshold),
		VelocityDailyLimit:   getEnvDecimal("VELOCITY_DAILY_LIMIT", DefaultVelocityDailyLimit),
		VelocityWindow:       getEnvDuration("VELOCITY_WINDOW", DefaultVelocityWindow),
		HighRiskOverrideList: os.Getenv("RISK_HIGH_OVERRIDE_USERS"),
		ChallengeTTL:         getEnvDuration("CHALLENGE_TTL", DefaultChallengeTTL),
		ChallengeMaxAttempts: int(getEnvInt64("CHALLENGE_MAX_ATTEMPTS", DefaultMaxAttempts)),
		ResendCooldown:       getEnvDuration("CHALLENGE_RESEND_COOLDOWN", DefaultResendCooldown),
		DailyTransferLimit:   getEnvDecimal("DAILY_TRANSFER_LIMIT", DefaultDailyLimit),
		MonthlyTransferLimit: getEnvDecimal("MONTHLY_TRANSFER_LIMIT", DefaultMonthlyLimit),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AllowedOrigins:       getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are coherent.
func (c *Config) Validate() error {
	if c.ChallengeMaxAttempts <= 0 {
		return fmt.Errorf("CHALLENGE_MAX_ATTEMPTS must be positive")
	}
	if c.ChallengeTTL <= 0 {
		return fmt.Errorf("CHALLENGE_TTL must be positive")
	}
	if !c.HighAmountThreshold.IsPositive() {
		return fmt.Errorf("RISK_HIGH_AMOUNT_THRESHOLD must be positive")
	}
	if !c.VelocityDailyLimit.IsPositive() {
		return fmt.Errorf("VELOCITY_DAILY_LIMIT must be positive")
	}
	if c.VelocityWindow <= 0 {
		return fmt.Errorf("VELOCITY_WINDOW must be positive")
	}
	if c.IsProduction() && c.LedgerBaseURL == "" {
		return fmt.Errorf("LEDGER_URL is required in production")
	}
	if c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required in production")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
