// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
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

	// Blockchain settings
	RPCURL        string
	ChainID       int64
	PrivateKey    string // Hex-encoded signing key, with or without 0x prefix
	UsageContract string // Address of the usage-logging contract

	// Settlement settings
	NonceTTL        time.Duration // How long a cached nonce stays valid
	SubmitDelay     time.Duration // Pause between consecutive chain submissions
	ConfirmInterval time.Duration // Receipt poll interval
	QueueSize       int           // Settlement queue buffer size

	// Gateway settings
	UpstreamTimeout time.Duration // Bound on a single proxied upstream call
	VaultMasterKey  string        // Hex-encoded 32-byte AES key for credential decryption
	RateLimitRPM    int           // Per-access-key requests per minute

	// Tracing
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultChainID         = 84532 // Base Sepolia
	DefaultNonceTTL        = 5 * time.Second
	DefaultSubmitDelay     = 500 * time.Millisecond
	DefaultConfirmInterval = 2 * time.Second
	DefaultQueueSize       = 256
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultRateLimitRPM    = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:      os.Getenv("PRIVATE_KEY"), // Required, no default
		UsageContract:   os.Getenv("USAGE_CONTRACT"),
		NonceTTL:        getEnvDuration("NONCE_TTL", DefaultNonceTTL),
		SubmitDelay:     getEnvDuration("SUBMIT_DELAY", DefaultSubmitDelay),
		ConfirmInterval: getEnvDuration("CONFIRM_INTERVAL", DefaultConfirmInterval),
		QueueSize:       int(getEnvInt64("SETTLEMENT_QUEUE_SIZE", DefaultQueueSize)),
		UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout),
		VaultMasterKey:  os.Getenv("VAULT_MASTER_KEY"),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.UsageContract == "" {
		return fmt.Errorf("USAGE_CONTRACT is required")
	}

	if c.VaultMasterKey == "" {
		return fmt.Errorf("VAULT_MASTER_KEY is required")
	}
	if raw, err := hex.DecodeString(c.VaultMasterKey); err != nil || len(raw) != 32 {
		return fmt.Errorf("VAULT_MASTER_KEY must be 64 hex characters (32 bytes)")
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
