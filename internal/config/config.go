// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the accounts database (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	// EnableGateway gates the whole supervisor; false runs the control
	// surface only.
	EnableGateway bool

	Health      HealthConfig
	Recovery    RecoveryConfig
	Failover    FailoverConfig
	Publisher   PublisherConfig
	TradingTime TradingTimeConfig
	PushHub     PushHubConfig
	Validator   ValidatorConfig
	Protocols   ProtocolsConfig

	// MockDriver forces the mock broker driver for every protocol.
	MockDriver bool
	// DegradeToMock falls back to the mock driver when a native protocol
	// library is unavailable instead of refusing to start.
	DegradeToMock bool
}

// HealthConfig holds health monitor tuning
type HealthConfig struct {
	CheckInterval    time.Duration
	CheckTimeout     time.Duration
	HeartbeatTimeout time.Duration
	FallbackMode     string // FULL, CONNECTION_ONLY, SKIP_CANARY
}

// RecoveryConfig holds recovery engine tuning
type RecoveryConfig struct {
	Enabled            bool
	Cooldown           time.Duration
	Timeout            time.Duration
	MaxRetryAttempts   int
	ExponentialBackoff bool
	BackoffFactor      float64
}

// FailoverConfig holds failover engine tuning
type FailoverConfig struct {
	Enabled                bool
	Timeout                time.Duration
	Cooldown               time.Duration
	MaxConsecutiveFailures int
}

// PublisherConfig holds tick publisher tuning
type PublisherConfig struct {
	Enabled         bool
	Port            int
	BindAddress     string
	QueueSize       int
	PerformanceMode string // development, production, extreme
}

// TradingTimeConfig holds trading-hours policy tuning
type TradingTimeConfig struct {
	Enabled         bool
	ForceConnection bool
	BufferMinutes   int
	FuturesHours    string
	StockOptsHours  string
}

// PushHubConfig holds websocket push hub tuning
type PushHubConfig struct {
	PingInterval       time.Duration
	PingTimeout        time.Duration
	RateLimitWindow    time.Duration
	RateLimitMaxEvents int
	BufferSize         int
	LogRingSize        int
}

// ValidatorConfig holds account validator subprocess tuning
type ValidatorConfig struct {
	Command []string
	Timeout time.Duration
}

// ProtocolCanaryConfig holds per-protocol canary contract configuration
type ProtocolCanaryConfig struct {
	Contracts []string
	Primary   string
}

// ProtocolsConfig groups the per-protocol canary configuration
type ProtocolsConfig struct {
	Futures      ProtocolCanaryConfig
	StockOptions ProtocolCanaryConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("HUB_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:       absDataDir,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Port:          getEnvAsInt("HUB_PORT", 8000),
		DevMode:       getEnvAsBool("DEV_MODE", false),
		EnableGateway: getEnvAsBool("ENABLE_GATEWAY", true),
		MockDriver:    getEnvAsBool("USE_MOCK_DRIVER", false),
		DegradeToMock: getEnvAsBool("DEGRADE_TO_MOCK", true),

		Health: HealthConfig{
			CheckInterval:    getEnvAsSeconds("HEALTH_CHECK_INTERVAL_SECONDS", 30),
			CheckTimeout:     getEnvAsSeconds("HEALTH_CHECK_TIMEOUT_SECONDS", 10),
			HeartbeatTimeout: getEnvAsSeconds("CANARY_HEARTBEAT_TIMEOUT_SECONDS", 60),
			FallbackMode:     getEnv("HEALTH_CHECK_FALLBACK_MODE", "FULL"),
		},
		Recovery: RecoveryConfig{
			Enabled:            getEnvAsBool("RECOVERY_SERVICE_ENABLED", true),
			Cooldown:           getEnvAsSeconds("RECOVERY_COOLDOWN_SECONDS", 30),
			Timeout:            getEnvAsSeconds("RECOVERY_TIMEOUT_SECONDS", 120),
			MaxRetryAttempts:   getEnvAsInt("RECOVERY_MAX_RETRY_ATTEMPTS", 3),
			ExponentialBackoff: getEnvAsBool("RECOVERY_EXPONENTIAL_BACKOFF", true),
			BackoffFactor:      getEnvAsFloat("RECOVERY_EXPONENTIAL_BACKOFF_FACTOR", 2.0),
		},
		Failover: FailoverConfig{
			Enabled:                getEnvAsBool("FAILOVER_ENABLED", true),
			Timeout:                getEnvAsSeconds("FAILOVER_TIMEOUT_SECONDS", 30),
			Cooldown:               getEnvAsSeconds("FAILOVER_COOLDOWN_SECONDS", 300),
			MaxConsecutiveFailures: getEnvAsInt("MAX_CONSECUTIVE_FAILURES", 3),
		},
		Publisher: PublisherConfig{
			Enabled:         getEnvAsBool("ENABLE_ZMQ_PUBLISHER", true),
			Port:            getEnvAsInt("ZMQ_PUBLISHER_PORT", 5555),
			BindAddress:     getEnv("ZMQ_BIND_ADDRESS", "0.0.0.0"),
			QueueSize:       getEnvAsInt("ZMQ_QUEUE_SIZE", 1000),
			PerformanceMode: getEnv("ZMQ_PERFORMANCE_MODE", "production"),
		},
		TradingTime: TradingTimeConfig{
			Enabled:         getEnvAsBool("ENABLE_TRADING_TIME_CHECK", true),
			ForceConnection: getEnvAsBool("FORCE_GATEWAY_CONNECTION", false),
			BufferMinutes:   getEnvAsInt("TRADING_TIME_BUFFER_MINUTES", 15),
			FuturesHours:    getEnv("FUTURES_TRADING_HOURS", "09:00-11:30,13:30-15:00,21:00-02:30"),
			StockOptsHours:  getEnv("STOCK_OPTIONS_TRADING_HOURS", "09:30-11:30,13:00-15:00"),
		},
		PushHub: PushHubConfig{
			PingInterval:       getEnvAsSeconds("PUSH_PING_INTERVAL_SECONDS", 30),
			PingTimeout:        getEnvAsSeconds("PUSH_PING_TIMEOUT_SECONDS", 10),
			RateLimitWindow:    getEnvAsSeconds("PUSH_RATE_LIMIT_WINDOW_SECONDS", 1),
			RateLimitMaxEvents: getEnvAsInt("PUSH_RATE_LIMIT_MAX_EVENTS", 100),
			BufferSize:         getEnvAsInt("PUSH_BUFFER_SIZE", 1000),
			LogRingSize:        getEnvAsInt("PUSH_LOG_RING_SIZE", 500),
		},
		Validator: ValidatorConfig{
			Command: getEnvAsList("VALIDATOR_COMMAND", []string{"tickhub-validate"}),
			Timeout: getEnvAsSeconds("VALIDATOR_TIMEOUT_SECONDS", 30),
		},
		Protocols: ProtocolsConfig{
			Futures: ProtocolCanaryConfig{
				Contracts: getEnvAsList("FUTURES_CANARY_CONTRACTS", []string{"rb2510.SHFE", "au2512.SHFE"}),
				Primary:   getEnv("FUTURES_CANARY_PRIMARY", "rb2510.SHFE"),
			},
			StockOptions: ProtocolCanaryConfig{
				Contracts: getEnvAsList("STOCK_OPTIONS_CANARY_CONTRACTS", []string{"510050.SSE"}),
				Primary:   getEnv("STOCK_OPTIONS_CANARY_PRIMARY", "510050.SSE"),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	switch c.Health.FallbackMode {
	case "FULL", "CONNECTION_ONLY", "SKIP_CANARY":
	default:
		return fmt.Errorf("invalid HEALTH_CHECK_FALLBACK_MODE %q", c.Health.FallbackMode)
	}

	switch c.Publisher.PerformanceMode {
	case "development", "production", "extreme":
	default:
		return fmt.Errorf("invalid ZMQ_PERFORMANCE_MODE %q", c.Publisher.PerformanceMode)
	}

	if c.Recovery.BackoffFactor < 1 {
		return fmt.Errorf("RECOVERY_EXPONENTIAL_BACKOFF_FACTOR must be >= 1, got %v", c.Recovery.BackoffFactor)
	}
	if c.Recovery.MaxRetryAttempts < 1 {
		return fmt.Errorf("RECOVERY_MAX_RETRY_ATTEMPTS must be >= 1, got %d", c.Recovery.MaxRetryAttempts)
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvAsSeconds reads an integer seconds value as a time.Duration.
func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

// getEnvAsList reads a comma-separated value, trimming whitespace around
// each element. Empty elements are skipped.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
