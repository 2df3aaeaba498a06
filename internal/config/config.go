// Package config provides configuration loading for the cover engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	// HTTP server port
	Port string

	// Persistence. Empty DatabaseURL selects the in-memory store.
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Capabilities, by account name.
	Reporters  []string
	Settlers   []string
	Treasurers []string
	Pricers    []string

	// System accounts: the house capital that underwrites V1/V2 cover and
	// the backstop that tops up short pools.
	PoolAccount     string
	BackstopAccount string

	// Quoting
	QuoteRequestTTL       time.Duration
	QuoteTTL              time.Duration
	PremiumLoading        decimal.Decimal
	DefaultPayoutPerShare decimal.Decimal
	PricingURL            string

	// Exposure limits of the house capital. Zero disables a limit.
	MaxCellExposure       decimal.Decimal
	MaxCorrelatedExposure decimal.Decimal
	CorrelationPrefixLen  int

	// OpenTelemetry endpoint for tracing
	OtelEndpoint string

	// Keeper cron schedule
	SweepSchedule string

	// Per-reporter submission rate limit
	ReporterRateLimit float64
	ReporterRateBurst int
}

// Load creates a new Config from environment variables.
func Load() Config {
	return Config{
		Port:                  GetEnvOrDefault("PORT", "8080"),
		DatabaseURL:           GetEnvOrDefault("DATABASE_URL", ""),
		RedisURL:              GetEnvOrDefault("REDIS_URL", ""),
		CacheTTL:              GetEnvAsDuration("CACHE_TTL", 30*time.Second),
		Reporters:             GetEnvAsList("REPORTERS", []string{"oracle"}),
		Settlers:              GetEnvAsList("SETTLERS", []string{"settler"}),
		Treasurers:            GetEnvAsList("TREASURERS", []string{"treasury"}),
		Pricers:               GetEnvAsList("PRICERS", []string{"pricer"}),
		PoolAccount:           GetEnvOrDefault("POOL_ACCOUNT", "house"),
		BackstopAccount:       GetEnvOrDefault("BACKSTOP_ACCOUNT", "backstop"),
		QuoteRequestTTL:       GetEnvAsDuration("QUOTE_REQUEST_TTL", 15*time.Minute),
		QuoteTTL:              GetEnvAsDuration("QUOTE_TTL", 5*time.Minute),
		PremiumLoading:        GetEnvAsDecimal("PREMIUM_LOADING", decimal.RequireFromString("0.1")),
		DefaultPayoutPerShare: GetEnvAsDecimal("DEFAULT_PAYOUT_PER_SHARE", decimal.NewFromInt(100)),
		PricingURL:            GetEnvOrDefault("PRICING_URL", ""),
		MaxCellExposure:       GetEnvAsDecimal("MAX_CELL_EXPOSURE", decimal.Zero),
		MaxCorrelatedExposure: GetEnvAsDecimal("MAX_CORRELATED_EXPOSURE", decimal.Zero),
		CorrelationPrefixLen:  GetEnvAsInt("CORRELATION_PREFIX_LEN", 6),
		OtelEndpoint:          GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		SweepSchedule:         GetEnvOrDefault("SWEEP_SCHEDULE", "@every 1m"),
		ReporterRateLimit:     GetEnvAsFloat("REPORTER_RATE_LIMIT", 10),
		ReporterRateBurst:     GetEnvAsInt("REPORTER_RATE_BURST", 20),
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsDecimal retrieves an environment variable as an exact decimal with a default value
func GetEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value, exists := GetEnv(key); exists {
		if d, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetEnvAsList retrieves a comma-separated environment variable with a default value
func GetEnvAsList(key string, defaultValue []string) []string {
	value, exists := GetEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
