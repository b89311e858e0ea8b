package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Atomicity selects how multi-record confirmation writes are applied.
// See db.Store for the two implementations.
const (
	AtomicityTransactional = "transactional"
	AtomicityBestEffort    = "best-effort"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Observability
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL    string
	StoreAtomicity string

	// Redis (lock store) configuration
	RedisAddr     string
	RedisPassword string

	// Ledger-data provider configuration
	LedgerURL     string
	LedgerTimeout time.Duration

	// External signer configuration
	SignerURL     string
	SignerTimeout time.Duration

	// Funding identity: every pool resource is locked to this address, and
	// change/split outputs are paid back to it.
	FundingAddress string
	FundingKeyID   string

	// NATS configuration
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	QueueEnabled      bool

	// Pool configuration
	MinPoolSize     int
	SplitOutputSize uint64
	MaxSplitOutputs int
	FeeRatePerKB    uint64
	FeeBuffer       uint64
	DustThreshold   uint64
	DustSweepFloor  int
	Confirmations   uint32
	ReapAge         time.Duration
	LockTTL         time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Observability
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.StoreAtomicity = getEnvOrDefault("STORE_ATOMICITY", AtomicityTransactional)
	if cfg.StoreAtomicity != AtomicityTransactional && cfg.StoreAtomicity != AtomicityBestEffort {
		errs = append(errs, fmt.Errorf("STORE_ATOMICITY must be %q or %q", AtomicityTransactional, AtomicityBestEffort))
	}

	// Redis configuration
	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Ledger-data provider
	cfg.LedgerURL = os.Getenv("LEDGER_URL")
	if cfg.LedgerURL == "" {
		errs = append(errs, fmt.Errorf("LEDGER_URL is required"))
	}
	ledgerTimeout, err := parseDuration("LEDGER_TIMEOUT", "15s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LedgerTimeout = ledgerTimeout
	}

	// External signer
	cfg.SignerURL = os.Getenv("SIGNER_URL")
	if cfg.SignerURL == "" {
		errs = append(errs, fmt.Errorf("SIGNER_URL is required"))
	}
	signerTimeout, err := parseDuration("SIGNER_TIMEOUT", "15s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SignerTimeout = signerTimeout
	}

	// Funding identity
	cfg.FundingAddress = os.Getenv("FUNDING_ADDRESS")
	if cfg.FundingAddress == "" {
		errs = append(errs, fmt.Errorf("FUNDING_ADDRESS is required"))
	}
	cfg.FundingKeyID = os.Getenv("FUNDING_KEY_ID")
	if cfg.FundingKeyID == "" {
		errs = append(errs, fmt.Errorf("FUNDING_KEY_ID is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "anchor-jobs")
	queueEnabled, err := parseBool("QUEUE_ENABLED", true)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.QueueEnabled = queueEnabled
	}

	// Pool configuration
	cfg.MinPoolSize, err = parseInt("POOL_MIN_SIZE", 10)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.SplitOutputSize, err = parseUint("POOL_SPLIT_OUTPUT_SATOSHIS", 20_000)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.MaxSplitOutputs, err = parseInt("POOL_MAX_SPLIT_OUTPUTS", 40)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.FeeRatePerKB, err = parseUint("FEE_RATE_PER_KB", 500)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.FeeBuffer, err = parseUint("FEE_BUFFER_SATOSHIS", 1_000)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.DustThreshold, err = parseUint("DUST_THRESHOLD_SATOSHIS", 2_000)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.DustSweepFloor, err = parseInt("DUST_SWEEP_FLOOR", 20)
	if err != nil {
		errs = append(errs, err)
	}
	confirmations, err := parseInt("POOL_CONFIRMATIONS", 1)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.Confirmations = uint32(confirmations)
	}
	reapAge, err := parseDuration("POOL_REAP_AGE", "30m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReapAge = reapAge
	}
	lockTTL, err := parseDuration("LOCK_TTL", "60s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LockTTL = lockTTL
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

// Validate checks cross-field constraints. This is useful for testing
// configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.MinPoolSize < 1 {
		errs = append(errs, fmt.Errorf("MinPoolSize must be at least 1"))
	}

	if c.MaxSplitOutputs < 1 {
		errs = append(errs, fmt.Errorf("MaxSplitOutputs must be at least 1"))
	}

	if c.SplitOutputSize <= c.DustThreshold {
		errs = append(errs, fmt.Errorf("SplitOutputSize (%d) must exceed DustThreshold (%d), otherwise every split output is immediately dust",
			c.SplitOutputSize, c.DustThreshold))
	}

	if c.DustSweepFloor < 2 {
		errs = append(errs, fmt.Errorf("DustSweepFloor must be at least 2: sweeping a single dust output costs more than it recovers"))
	}

	if c.LockTTL < 5*time.Second {
		errs = append(errs, fmt.Errorf("LockTTL must be at least 5s to leave room for heartbeat renewal"))
	}

	if c.ReapAge < time.Minute {
		errs = append(errs, fmt.Errorf("ReapAge must be at least 1m: reaping sooner races with in-flight broadcasts"))
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

// parseUint parses an unsigned integer from an environment variable or uses a default.
func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseBool parses a boolean from an environment variable or uses a default.
func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
