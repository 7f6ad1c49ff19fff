// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/marketsettle/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL  string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL     string // Rule cache (optional, no cache if not set)
	RuleCacheTTL time.Duration

	// Payment providers
	StripeSecretKey          string // stripe provider is registered only when set
	ProviderBreakerThreshold int
	ProviderBreakerCooldown  time.Duration

	// Settlement
	EscrowHoldDays           int
	SweepInterval            time.Duration
	ReconcileInterval        time.Duration
	DefaultCommissionPercent string
	DefaultCommissionFixed   string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of root spans kept, 0..1

	// Security
	AdminSecret    string   // Admin API secret
	CORSOrigins    []string // comma-separated in CORS_ORIGINS; empty denies cross-origin callers
	RateLimitRPM   int
	RateLimitBurst int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultRuleCacheTTL      = time.Minute
	DefaultBreakerThreshold  = 5
	DefaultBreakerCooldown   = 30 * time.Second
	DefaultEscrowHoldDays    = 7
	DefaultSweepInterval     = time.Minute
	DefaultReconcileInterval = 15 * time.Minute
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20
	DefaultTraceSampleRatio  = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisURL:                 os.Getenv("REDIS_URL"),
		RuleCacheTTL:             getEnvDuration("RULE_CACHE_TTL", DefaultRuleCacheTTL),
		StripeSecretKey:          os.Getenv("STRIPE_SECRET_KEY"),
		ProviderBreakerThreshold: int(getEnvInt64("PROVIDER_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		ProviderBreakerCooldown:  getEnvDuration("PROVIDER_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		EscrowHoldDays:           int(getEnvInt64("ESCROW_HOLD_DAYS", DefaultEscrowHoldDays)),
		SweepInterval:            getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:        getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		DefaultCommissionPercent: os.Getenv("DEFAULT_COMMISSION_PERCENT"),
		DefaultCommissionFixed:   os.Getenv("DEFAULT_COMMISSION_FIXED"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:         getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio),
		AdminSecret:              os.Getenv("ADMIN_SECRET"),
		CORSOrigins:              getEnvList("CORS_ORIGINS"),
		RateLimitRPM:             int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:           int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	if c.EscrowHoldDays <= 0 {
		return fmt.Errorf("ESCROW_HOLD_DAYS must be positive")
	}
	if c.SweepInterval <= 0 || c.ReconcileInterval <= 0 || c.RuleCacheTTL <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL, RECONCILE_INTERVAL and RULE_CACHE_TTL must be positive durations")
	}
	if c.ProviderBreakerThreshold <= 0 || c.ProviderBreakerCooldown <= 0 {
		return fmt.Errorf("PROVIDER_BREAKER_THRESHOLD and PROVIDER_BREAKER_COOLDOWN must be positive")
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}

	pct, ok := money.ParseRate(c.DefaultCommissionPercent)
	if !ok || pct.GreaterThan(money.Hundred) {
		return fmt.Errorf("DEFAULT_COMMISSION_PERCENT must be between 0 and 100")
	}
	if _, ok := money.Parse(c.DefaultCommissionFixed); !ok {
		return fmt.Errorf("DEFAULT_COMMISSION_FIXED must be a non-negative amount")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

// HasDefaultCommission reports whether a fallback commission is configured.
func (c *Config) HasDefaultCommission() bool {
	return c.DefaultCommissionPercent != "" || c.DefaultCommissionFixed != ""
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
