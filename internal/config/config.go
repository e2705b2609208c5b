// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
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

	// Portfolio authority. Only requests acting as this address may fund,
	// refinance, warn or liquidate loans.
	AuthorityAddress string
	GovernorSecret   string // X-Governor-Secret: acts with governor rights
	DelegateSecret   string // X-Delegate-Secret: acts as pool delegate

	// Fee schedule (parts per million) applied to new loans and refinances
	PlatformFeeRate uint64
	DelegateFeeRate uint64

	// Fee recipients
	TreasuryAddress     string
	PoolDelegateAddress string

	// Observability
	OTLPEndpoint   string
	SampleInterval time.Duration
	RateLimitRPS   int

	// Operator tooling
	ReconcileInterval time.Duration
	CORSOrigins       []string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultPlatformFeeRate = 50_000  // 5%
	DefaultDelegateFeeRate = 150_000 // 15%
	DefaultSampleInterval  = 15 * time.Second
	DefaultRateLimit       = 100
	DefaultReconcile       = 5 * time.Minute
	DefaultAPIURL          = "http://localhost:8080" // where cmd/mcp finds the API

	hundredPercent = 1_000_000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AuthorityAddress:    os.Getenv("AUTHORITY_ADDRESS"),
		GovernorSecret:      os.Getenv("GOVERNOR_SECRET"),
		DelegateSecret:      os.Getenv("DELEGATE_SECRET"),
		PlatformFeeRate:     getEnvUint64("PLATFORM_FEE_RATE", DefaultPlatformFeeRate),
		DelegateFeeRate:     getEnvUint64("DELEGATE_FEE_RATE", DefaultDelegateFeeRate),
		TreasuryAddress:     os.Getenv("TREASURY_ADDRESS"),
		PoolDelegateAddress: os.Getenv("POOL_DELEGATE_ADDRESS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleInterval:      getEnvDuration("SAMPLE_INTERVAL", DefaultSampleInterval),
		RateLimitRPS:        int(getEnvUint64("RATE_LIMIT_RPS", DefaultRateLimit)),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcile),
		CORSOrigins:         getEnvList("CORS_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AuthorityAddress == "" {
		return fmt.Errorf("AUTHORITY_ADDRESS is required")
	}
	if !common.IsHexAddress(c.AuthorityAddress) {
		return fmt.Errorf("AUTHORITY_ADDRESS must be a 20-byte hex address")
	}
	for name, addr := range map[string]string{
		"TREASURY_ADDRESS":      c.TreasuryAddress,
		"POOL_DELEGATE_ADDRESS": c.PoolDelegateAddress,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a 20-byte hex address", name)
		}
	}

	if c.PlatformFeeRate > hundredPercent {
		return fmt.Errorf("PLATFORM_FEE_RATE must not exceed %d (100%%)", hundredPercent)
	}
	if c.DelegateFeeRate > hundredPercent {
		return fmt.Errorf("DELEGATE_FEE_RATE must not exceed %d (100%%)", hundredPercent)
	}

	if c.IsProduction() && (c.GovernorSecret == "" || c.DelegateSecret == "") {
		return fmt.Errorf("GOVERNOR_SECRET and DELEGATE_SECRET are required in production")
	}
	if c.GovernorSecret != "" && c.GovernorSecret == c.DelegateSecret {
		return fmt.Errorf("GOVERNOR_SECRET and DELEGATE_SECRET must differ")
	}

	if c.SampleInterval <= 0 {
		return fmt.Errorf("SAMPLE_INTERVAL must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}

	return nil
}

// Authority returns the parsed authority address
func (c *Config) Authority() common.Address {
	return common.HexToAddress(c.AuthorityAddress)
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

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
