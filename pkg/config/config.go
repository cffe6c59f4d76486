package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crash-course/backend/pkg/observability"
	"github.com/crash-course/backend/pkg/ratelimit"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Store configuration
	Store StoreConfig

	// Rate limit configuration
	Limits LimitsConfig

	// Observability configuration
	Observability ObservabilityConfig

	// Dev relaxes CORS and exposes error detail in responses.
	Dev bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	AllowedOrigin   string

	// Health/metrics server (separate port for probes)
	HealthPort string
}

// StoreConfig holds registry and partition storage configuration
type StoreConfig struct {
	// Registry (users, apps, dashboard sessions)
	RegistryDriver string // sqlite3 or postgres
	RegistryDSN    string

	// Per-app partition files
	DataDir           string
	PartitionIdleTTL  time.Duration
	PartitionMaxOpen  int
	SessionWindow     time.Duration
	RealtimeWindow    time.Duration
	DefaultLookback   time.Duration
	Timezone          string
	DashSessionMaxAge time.Duration
}

// LimitsConfig holds rate limiter configuration
type LimitsConfig struct {
	// File is an optional YAML file of per-tag overrides, hot
	// reloaded when it changes.
	File string

	// RedisURL switches admission to a shared Redis window counter.
	RedisURL      string
	RedisPassword string
	RedisDB       int

	BucketTTL  time.Duration
	MaxBuckets int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Store:         loadStoreConfig(),
		Limits:        loadLimitsConfig(),
		Observability: loadObservabilityConfig(),
		Dev:           getEnvBool("CRASH_DEV", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CRASH_HOST", "0.0.0.0"),
		Port:            getEnv("CRASH_PORT", "3003"),
		ReadTimeout:     getEnvDuration("CRASH_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CRASH_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CRASH_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CRASH_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("CRASH_MAX_BODY_BYTES", 64*1024),
		AllowedOrigin:   getEnv("CRASH_ALLOWED_ORIGIN", ""),
		HealthPort:      getEnv("CRASH_HEALTH_PORT", "9090"),
	}
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{
		RegistryDriver:    getEnv("CRASH_REGISTRY_DRIVER", "sqlite3"),
		RegistryDSN:       getEnv("CRASH_REGISTRY_DSN", "data/registry.sqlite"),
		DataDir:           getEnv("CRASH_DATA_DIR", "data"),
		PartitionIdleTTL:  getEnvDuration("CRASH_PARTITION_IDLE", 5*time.Minute),
		PartitionMaxOpen:  getEnvInt("CRASH_PARTITION_MAX_OPEN", 64),
		SessionWindow:     getEnvDuration("CRASH_SESSION_WINDOW", 30*time.Minute),
		RealtimeWindow:    getEnvDuration("CRASH_REALTIME_WINDOW", 5*time.Minute),
		DefaultLookback:   getEnvDuration("CRASH_DEFAULT_LOOKBACK", 168*time.Hour),
		Timezone:          getEnv("CRASH_TIMEZONE", "UTC"),
		DashSessionMaxAge: getEnvDuration("CRASH_DASH_SESSION_MAX_AGE", 30*24*time.Hour),
	}
}

func loadLimitsConfig() LimitsConfig {
	return LimitsConfig{
		File:          getEnv("CRASH_LIMITS_FILE", ""),
		RedisURL:      getEnv("CRASH_REDIS_URL", ""),
		RedisPassword: getEnv("CRASH_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("CRASH_REDIS_DB", 0),
		BucketTTL:     getEnvDuration("CRASH_BUCKET_TTL", time.Hour),
		MaxBuckets:    getEnvInt("CRASH_MAX_BUCKETS", 8192),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("CRASH_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("CRASH_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CRASH_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CRASH_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CRASH_OTEL_SERVICE_NAME", "crash-course"),
		OTelServiceVersion: getEnv("CRASH_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CRASH_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Store.RegistryDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid registry driver: %s (must be sqlite3 or postgres)", c.Store.RegistryDriver)
	}
	if c.Store.RegistryDSN == "" {
		return fmt.Errorf("registry DSN is required")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if _, err := time.LoadLocation(c.Store.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Store.Timezone, err)
	}
	if c.Store.SessionWindow <= 0 {
		return fmt.Errorf("session window must be positive")
	}
	if c.Store.RealtimeWindow <= 0 {
		return fmt.Errorf("realtime window must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Location resolves the configured timezone. Validate has already
// checked it, so failures here only happen on an unvalidated Config.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Store.Timezone)
}

// DefaultTags returns the built-in per-surface admission policies.
// Rate is tokens per second, Initial the starting balance, Max the cap.
func DefaultTags() map[string]ratelimit.TagConfig {
	return map[string]ratelimit.TagConfig{
		"audience":  {Rate: 10, Initial: 20, Max: 60},
		"auth":      {Rate: 0.5, Initial: 5, Max: 10},
		"dashboard": {Rate: 20, Initial: 40, Max: 80},
		"root":      {Rate: 1, Initial: 5, Max: 10},
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
