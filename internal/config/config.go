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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional in development, uses in-memory stores if not set)
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// Cache (optional, falls back to in-process memory)
	RedisURL string
	CacheTTL time.Duration

	// Payment gateway
	StripeSecretKey      string
	StripeWebhookSecret  string // platform events
	StripeConnectSecret  string // connected-account events
	StripeIdentitySecret string // identity verification events
	GatewayTimeout       time.Duration
	ConnectReturnURL     string
	ConnectRefreshURL    string
	PlatformFeeBPS       int64
	Currency             string
	BalanceSyncInterval  time.Duration
	ReleaseRetryInterval time.Duration
	OTLPEndpoint         string

	// Security
	SessionSecret string
	RateLimitRPM  int
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultPlatformFeeBPS = 500 // 5%
	DefaultCurrency       = "usd"
	DefaultGatewayTimeout = 15 * time.Second
	DefaultCacheTTL       = 30 * time.Second
	DefaultRateLimit      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:       int(getEnvInt64("DB_MAX_OPEN_CONNS", 25)),
		DBMaxIdleConns:       int(getEnvInt64("DB_MAX_IDLE_CONNS", 5)),
		DBConnMaxLifetime:    getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		DBConnMaxIdleTime:    getEnvDuration("DB_CONN_MAX_IDLE_TIME", time.Minute),
		RedisURL:             os.Getenv("REDIS_URL"),
		CacheTTL:             getEnvDuration("CACHE_TTL", DefaultCacheTTL),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeConnectSecret:  os.Getenv("STRIPE_CONNECT_WEBHOOK_SECRET"),
		StripeIdentitySecret: os.Getenv("STRIPE_IDENTITY_WEBHOOK_SECRET"),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		ConnectReturnURL:     getEnv("CONNECT_RETURN_URL", "http://localhost:3000/connect/return"),
		ConnectRefreshURL:    getEnv("CONNECT_REFRESH_URL", "http://localhost:3000/connect/refresh"),
		PlatformFeeBPS:       getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		BalanceSyncInterval:  getEnvDuration("BALANCE_SYNC_INTERVAL", 15*time.Minute),
		ReleaseRetryInterval: getEnvDuration("RELEASE_RETRY_INTERVAL", time.Minute),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SessionSecret:        os.Getenv("SESSION_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS >= 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be in [0, 10000)")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}

	if !c.IsProduction() {
		return nil
	}

	// Production never runs on memory stores or the in-process gateway.
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 characters in production")
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
