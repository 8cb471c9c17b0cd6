package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/txpipe/service/pipeline"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration. Optional: without it terminal requests are not archived.
	DatabaseURL string

	// NATS configuration. Optional: without it lifecycle events are not published.
	NATSURL string

	// Solana configuration
	SolanaRPCURL             string
	SolanaNetwork            string
	WalletPrivateKey         string
	SkipPreflight            bool
	ConfirmationPollInterval time.Duration

	// Pipeline configuration
	MaxQueueSize              int
	MinSubmitInterval         time.Duration
	ExecutionTimeout          time.Duration
	MaxConcurrentTransactions int
	DefaultMaxRetries         int
	AutoRetry                 bool
	HistoryLimit              int
	DispatchIdleInterval      time.Duration
	EventBufferSize           int
	RateLimitBackoff          time.Duration
	AutoStart                 bool

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// ServerURL is where the Temporal worker reaches the txpipe API.
	ServerURL string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaNetwork = getEnvOrDefault("SOLANA_NETWORK", "mainnet")
	if cfg.SolanaNetwork != "mainnet" && cfg.SolanaNetwork != "devnet" {
		errs = append(errs, fmt.Errorf("SOLANA_NETWORK must be mainnet or devnet, got %q", cfg.SolanaNetwork))
	}
	cfg.WalletPrivateKey = os.Getenv("WALLET_PRIVATE_KEY")
	if cfg.WalletPrivateKey == "" {
		errs = append(errs, fmt.Errorf("WALLET_PRIVATE_KEY is required"))
	}

	var err error
	if cfg.SkipPreflight, err = parseBool("SKIP_PREFLIGHT", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmationPollInterval, err = parseDuration("CONFIRMATION_POLL_INTERVAL", "500ms"); err != nil {
		errs = append(errs, err)
	}

	// Pipeline configuration
	if cfg.MaxQueueSize, err = parseInt("MAX_QUEUE_SIZE", 1000); err != nil {
		errs = append(errs, err)
	}
	if cfg.MinSubmitInterval, err = parseDuration("MIN_SUBMIT_INTERVAL", "500ms"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ExecutionTimeout, err = parseDuration("EXECUTION_TIMEOUT", "30s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxConcurrentTransactions, err = parseInt("MAX_CONCURRENT_TRANSACTIONS", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.DefaultMaxRetries, err = parseInt("DEFAULT_MAX_RETRIES", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.AutoRetry, err = parseBool("AUTO_RETRY", true); err != nil {
		errs = append(errs, err)
	}
	if cfg.HistoryLimit, err = parseInt("HISTORY_LIMIT", 1000); err != nil {
		errs = append(errs, err)
	}
	if cfg.DispatchIdleInterval, err = parseDuration("DISPATCH_IDLE_INTERVAL", "100ms"); err != nil {
		errs = append(errs, err)
	}
	if cfg.EventBufferSize, err = parseInt("EVENT_BUFFER_SIZE", 256); err != nil {
		errs = append(errs, err)
	}
	if cfg.RateLimitBackoff, err = parseDuration("RATE_LIMIT_BACKOFF", "2s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.AutoStart, err = parseBool("AUTO_START", true); err != nil {
		errs = append(errs, err)
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "txpipe-submissions")
	cfg.ServerURL = getEnvOrDefault("TXPIPE_SERVER_URL", "http://localhost:8080")

	// Range checks only make sense once everything parsed.
	if len(errs) == 0 {
		if err := cfg.PipelineConfig().Validate(); err != nil {
			errs = append(errs, err)
		}
		if cfg.ConfirmationPollInterval <= 0 {
			errs = append(errs, fmt.Errorf("CONFIRMATION_POLL_INTERVAL must be positive"))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// LoadWorker reads only what the Temporal worker needs: it talks to the
// server over HTTP and never touches the chain directly.
func LoadWorker() (*Config, error) {
	cfg := &Config{
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		MetricsAddr:       getEnvOrDefault("METRICS_ADDR", ":9092"),
		TemporalHost:      getEnvOrDefault("TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnvOrDefault("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getEnvOrDefault("TEMPORAL_TASK_QUEUE", "txpipe-submissions"),
		ServerURL:         getEnvOrDefault("TXPIPE_SERVER_URL", "http://localhost:8080"),
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("configuration validation failed: [TXPIPE_SERVER_URL is required]")
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// PipelineConfig converts the pipeline section into pipeline.Config.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		MaxQueueSize:              c.MaxQueueSize,
		MinSubmitInterval:         c.MinSubmitInterval,
		ExecutionTimeout:          c.ExecutionTimeout,
		MaxConcurrentTransactions: c.MaxConcurrentTransactions,
		DefaultMaxRetries:         c.DefaultMaxRetries,
		AutoRetry:                 c.AutoRetry,
		HistoryLimit:              c.HistoryLimit,
		IdleInterval:              c.DispatchIdleInterval,
		EventBufferSize:           c.EventBufferSize,
		RateLimitBackoff:          c.RateLimitBackoff,
	}
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}
	if c.WalletPrivateKey == "" {
		errs = append(errs, fmt.Errorf("WalletPrivateKey is required"))
	}
	if c.ConfirmationPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmationPollInterval must be positive"))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}
	if err := c.PipelineConfig().Validate(); err != nil {
		errs = append(errs, err)
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
