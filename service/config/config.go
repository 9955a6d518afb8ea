package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Logging / observability
	LogLevel    string
	MetricsAddr string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana RPC configuration
	SolanaRPCURL       string
	SolanaBackupRPCURL string // optional; enables failover when set

	// RPC gateway tuning
	RPCMaxRetries        int
	RPCRetryBaseDelay    time.Duration
	RPCRetryMaxDelay     time.Duration
	RPCFailoverThreshold int

	// Ingestion configuration
	WatchInterval      time.Duration
	ReconcileInterval  time.Duration
	SignaturePageLimit int
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	cfg.SolanaBackupRPCURL = os.Getenv("SOLANA_BACKUP_RPC_URL")
	if cfg.SolanaBackupRPCURL != "" && cfg.SolanaBackupRPCURL == cfg.SolanaRPCURL {
		errs = append(errs, fmt.Errorf("SOLANA_BACKUP_RPC_URL must differ from SOLANA_RPC_URL"))
	}

	maxRetries, err := parseInt("RPC_MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCMaxRetries = maxRetries
	}

	baseDelay, err := parseDuration("RPC_RETRY_BASE_DELAY", "500ms")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRetryBaseDelay = baseDelay
	}

	maxDelay, err := parseDuration("RPC_RETRY_MAX_DELAY", "5s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRetryMaxDelay = maxDelay
	}

	threshold, err := parseInt("RPC_FAILOVER_THRESHOLD", 3)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCFailoverThreshold = threshold
	}

	watchInterval, err := parseDuration("WATCH_INTERVAL", "60s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.WatchInterval = watchInterval
	}

	reconcileInterval, err := parseDuration("RECONCILE_INTERVAL", "5s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReconcileInterval = reconcileInterval
	}

	pageLimit, err := parseInt("SIGNATURE_PAGE_LIMIT", 1000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SignaturePageLimit = pageLimit
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for process initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.RPCMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("RPCMaxRetries cannot be negative"))
	}

	if c.RPCRetryBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("RPCRetryBaseDelay must be positive"))
	}

	if c.RPCRetryBaseDelay > c.RPCRetryMaxDelay {
		errs = append(errs, fmt.Errorf("RPCRetryBaseDelay (%v) cannot exceed RPCRetryMaxDelay (%v)",
			c.RPCRetryBaseDelay, c.RPCRetryMaxDelay))
	}

	if c.RPCFailoverThreshold < 1 {
		errs = append(errs, fmt.Errorf("RPCFailoverThreshold must be at least 1"))
	}

	if c.WatchInterval < time.Second {
		errs = append(errs, fmt.Errorf("WatchInterval must be at least 1 second"))
	}

	if c.ReconcileInterval < time.Second {
		errs = append(errs, fmt.Errorf("ReconcileInterval must be at least 1 second"))
	}

	if c.SignaturePageLimit < 1 || c.SignaturePageLimit > 1000 {
		errs = append(errs, fmt.Errorf("SignaturePageLimit must be between 1 and 1000"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
