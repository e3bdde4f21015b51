// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"

	"github.com/midswap/midswap/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings
	RPCURL           string
	DASURL           string // DAS / enhanced transaction API endpoint (defaults to RPCURL host)
	EscrowPrivateKey string // base58-encoded 64-byte keypair for the escrow wallet
	EscrowWallet     string // base58 pubkey, derived from the keypair when empty
	FeeWallet        string // base58 pubkey receiving platform fees

	// Swap settings
	MaxNftsPerSide    int
	MaxSolPerSide     float64 // SOL
	OfferExpiry       time.Duration
	MaxActiveOffers   int
	PlatformFeeRate   float64
	HolderCollection  string // collection whose holders are fee exempt
	LockTTL           time.Duration
	MaxMessageAge     time.Duration
	SweepInterval     time.Duration
	EscrowStuckAfter  time.Duration
	ForceReturnAfter  time.Duration
	MaxCleanupRetries int

	// Security
	AdminSecret  string // Admin API secret
	CronSecret   string // Sweeper trigger secret (defaults to AdminSecret)
	RateLimitRPM int    // per-IP requests per minute per endpoint group
}

// Defaults
const (
	DefaultRPCURL            = "https://api.mainnet-beta.solana.com"
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultMaxNftsPerSide    = 5
	DefaultMaxSolPerSide     = 10.0
	DefaultOfferExpiry       = 24 * time.Hour
	DefaultMaxActiveOffers   = 10
	DefaultPlatformFeeRate   = 0.02
	DefaultLockTTL           = 900 * time.Second
	DefaultMaxMessageAge     = 5 * time.Minute
	DefaultSweepInterval     = 5 * time.Minute
	DefaultEscrowStuckAfter  = 5 * time.Minute
	DefaultForceReturnAfter  = 2 * time.Hour
	DefaultMaxCleanupRetries = 10
	DefaultRateLimit         = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		DASURL:            os.Getenv("DAS_URL"),
		EscrowPrivateKey:  os.Getenv("ESCROW_PRIVATE_KEY"), // Required, no default
		EscrowWallet:      os.Getenv("ESCROW_WALLET"),
		FeeWallet:         os.Getenv("FEE_WALLET"),
		MaxNftsPerSide:    int(getEnvInt64("MAX_NFTS_PER_SIDE", DefaultMaxNftsPerSide)),
		MaxSolPerSide:     getEnvFloat("MAX_SOL_PER_SIDE", DefaultMaxSolPerSide),
		OfferExpiry:       getEnvDuration("OFFER_EXPIRY", DefaultOfferExpiry),
		MaxActiveOffers:   int(getEnvInt64("MAX_ACTIVE_OFFERS_PER_WALLET", DefaultMaxActiveOffers)),
		PlatformFeeRate:   getEnvFloat("PLATFORM_FEE_RATE", DefaultPlatformFeeRate),
		HolderCollection:  os.Getenv("HOLDER_COLLECTION"),
		LockTTL:           getEnvDuration("LOCK_TTL", DefaultLockTTL),
		MaxMessageAge:     getEnvDuration("MAX_MESSAGE_AGE", DefaultMaxMessageAge),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		EscrowStuckAfter:  getEnvDuration("ESCROW_STUCK_AFTER", DefaultEscrowStuckAfter),
		ForceReturnAfter:  getEnvDuration("FORCE_RETURN_AFTER", DefaultForceReturnAfter),
		MaxCleanupRetries: int(getEnvInt64("MAX_CLEANUP_RETRIES", DefaultMaxCleanupRetries)),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		CronSecret:        os.Getenv("CRON_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if cfg.DASURL == "" {
		cfg.DASURL = cfg.RPCURL
	}
	if cfg.CronSecret == "" {
		cfg.CronSecret = cfg.AdminSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowPrivateKey == "" {
		return fmt.Errorf("ESCROW_PRIVATE_KEY is required")
	}
	if b, err := base58.Decode(c.EscrowPrivateKey); err != nil || len(b) != 64 {
		return fmt.Errorf("ESCROW_PRIVATE_KEY must be a base58-encoded 64-byte keypair")
	}

	if c.RPCURL == "" || !strings.HasPrefix(c.RPCURL, "http") {
		return fmt.Errorf("RPC_URL is required and must be an http(s) URL")
	}

	if c.FeeWallet != "" {
		if b, err := base58.Decode(c.FeeWallet); err != nil || len(b) != 32 {
			return fmt.Errorf("FEE_WALLET must be a base58-encoded 32-byte public key")
		}
	}

	if c.PlatformFeeRate < 0 || c.PlatformFeeRate >= 1 {
		return fmt.Errorf("PLATFORM_FEE_RATE must be in [0, 1)")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		// SSRF vetting involves DNS, so it only runs where it matters.
		if err := security.ValidateEndpointURL(c.RPCURL, false); err != nil {
			return fmt.Errorf("RPC_URL: %w", err)
		}
		if c.DASURL != "" {
			if err := security.ValidateEndpointURL(c.DASURL, false); err != nil {
				return fmt.Errorf("DAS_URL: %w", err)
			}
		}
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
