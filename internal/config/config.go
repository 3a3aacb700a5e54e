// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Enables the distributed sweep lock (optional)

	// Security
	JWTSecret    string
	RateLimitRPS int
	CORSOrigins  []string

	// Provider calls
	ProviderTimeout time.Duration

	// Card/wallet rail
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIURL        string // Override for tests and stripe-mock

	// Vietnamese gateways
	VNPrimaryProvider   string // "baokim" or "nganluong"
	BaokimBaseURL       string
	BaokimMerchantID    string
	BaokimSecret        string
	NganLuongBaseURL    string
	NganLuongMerchantID string
	NganLuongSecret     string
	VNRequestsPerSecond int

	// Decentralized-ledger rail
	RPCURL       string
	ChainID      int64
	PrivateKey   string // Hex-encoded, chain rail disabled when empty
	USDCContract string

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Scheduling
	DueSweepSchedule      string
	WarningSweepSchedule  string
	AutoReleaseMaxRetries int
	AutoReleaseRulesFile  string
	ReconcileInterval     time.Duration
	DisputeSLA            time.Duration

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultRateLimit            = 50
	DefaultProviderTimeout      = 30 * time.Second
	DefaultVNPrimary            = "baokim"
	DefaultVNRequestsPerSecond  = 10
	DefaultRPCURL               = "https://sepolia.base.org"
	DefaultChainID              = 84532                                        // Base Sepolia
	DefaultUSDCContract         = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultDueSweepSchedule     = "@hourly"
	DefaultWarningSweepSchedule = "@every 30m"
	DefaultMaxRetries           = 3
	DefaultReconcileInterval    = 5 * time.Minute
	DefaultDisputeSLA           = 7 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:           getEnvList("CORS_ORIGINS"),
		ProviderTimeout:       getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIURL:          os.Getenv("STRIPE_API_URL"),
		VNPrimaryProvider:     getEnv("VN_PRIMARY_PROVIDER", DefaultVNPrimary),
		BaokimBaseURL:         os.Getenv("BAOKIM_BASE_URL"),
		BaokimMerchantID:      os.Getenv("BAOKIM_MERCHANT_ID"),
		BaokimSecret:          os.Getenv("BAOKIM_SECRET"),
		NganLuongBaseURL:      os.Getenv("NGANLUONG_BASE_URL"),
		NganLuongMerchantID:   os.Getenv("NGANLUONG_MERCHANT_ID"),
		NganLuongSecret:       os.Getenv("NGANLUONG_SECRET"),
		VNRequestsPerSecond:   int(getEnvInt64("VN_REQUESTS_PER_SECOND", DefaultVNRequestsPerSecond)),
		RPCURL:                getEnv("RPC_URL", DefaultRPCURL),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:            os.Getenv("PRIVATE_KEY"),
		USDCContract:          getEnv("USDC_CONTRACT", DefaultUSDCContract),
		NotifyWebhookURL:      os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:   os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		DueSweepSchedule:      getEnv("DUE_SWEEP_SCHEDULE", DefaultDueSweepSchedule),
		WarningSweepSchedule:  getEnv("WARNING_SWEEP_SCHEDULE", DefaultWarningSweepSchedule),
		AutoReleaseMaxRetries: int(getEnvInt64("AUTO_RELEASE_MAX_RETRIES", DefaultMaxRetries)),
		AutoReleaseRulesFile:  os.Getenv("AUTO_RELEASE_RULES_FILE"),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		DisputeSLA:            getEnvDuration("DISPUTE_SLA", DefaultDisputeSLA),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when PRIVATE_KEY is set")
		}
	}

	switch c.VNPrimaryProvider {
	case "baokim", "nganluong":
	default:
		return fmt.Errorf("VN_PRIMARY_PROVIDER must be baokim or nganluong, got %q", c.VNPrimaryProvider)
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.AutoReleaseMaxRetries < 1 {
		return fmt.Errorf("AUTO_RELEASE_MAX_RETRIES must be at least 1")
	}

	return nil
}

// StripeEnabled reports whether the card/wallet rail is configured.
func (c *Config) StripeEnabled() bool { return c.StripeSecretKey != "" }

// ChainEnabled reports whether the decentralized-ledger rail is configured.
func (c *Config) ChainEnabled() bool { return c.PrivateKey != "" }

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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
