package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration (Postgres, Redis, S3)
	Storage storage.Config

	Notifications NotificationsConfig
	Numbering     NumberingConfig
	Billing       BillingConfig
	Scheduler     SchedulerConfig
	RateLimit     RateLimitConfig

	// Observability configuration
	Observability ObservabilityConfig
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

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// NotificationsConfig configures outbox delivery. Without a webhook URL
// events are logged instead of posted.
type NotificationsConfig struct {
	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration
	BatchSize      int
	Workers        int
}

// NumberingConfig points at the optional document number formats file
type NumberingConfig struct {
	FormatsPath string
	Watch       bool
}

// BillingConfig holds billing engine settings
type BillingConfig struct {
	// ProcessorSecret signs payment processor callbacks; empty disables them
	ProcessorSecret  string
	CatalogCacheSize int
	CatalogCacheTTL  time.Duration
}

// SchedulerConfig holds the cron specs of the scheduler jobs
type SchedulerConfig struct {
	ApplyDueSpec       string
	OutboxDispatchSpec string
	ReplicaHealthSpec  string
}

// RateLimitConfig holds per-caller request limits of the API
type RateLimitConfig struct {
	Enabled bool
	// Distributed shares counters through Redis when a Redis URL is set
	Distributed        bool
	OperatorPerMinute  int
	OperatorBurst      int
	AnonymousPerMinute int
	AnonymousBurst     int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// OTel returns the OpenTelemetry provider settings
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Notifications: loadNotificationsConfig(),
		Numbering:     loadNumberingConfig(),
		Billing:       loadBillingConfig(),
		Scheduler:     loadSchedulerConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("COMMUNE_HOST", "0.0.0.0"),
		Port:            getEnv("COMMUNE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("COMMUNE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("COMMUNE_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("COMMUNE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("COMMUNE_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("COMMUNE_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("COMMUNE_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// PostgreSQL config
	cfg.PostgresURL = getEnv("COMMUNE_POSTGRES_URL", "")
	cfg.PostgresReplicaURLs = getEnvList("COMMUNE_POSTGRES_REPLICA_URLS")
	if maxConns := getEnvInt("COMMUNE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("COMMUNE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("COMMUNE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	if lifetime := getEnvDuration("COMMUNE_POSTGRES_MAX_LIFETIME", 0); lifetime > 0 {
		cfg.PostgresMaxLifetime = lifetime
	}
	if retries := getEnvInt("COMMUNE_TX_MAX_RETRIES", -1); retries >= 0 {
		cfg.TxMaxRetries = uint64(retries)
	}
	if backoff := getEnvDuration("COMMUNE_TX_INITIAL_BACKOFF", 0); backoff > 0 {
		cfg.TxInitialBackoff = backoff
	}

	// S3 config
	cfg.S3Endpoint = getEnv("COMMUNE_S3_ENDPOINT", "")
	cfg.S3Bucket = getEnv("COMMUNE_S3_BUCKET", "")
	cfg.S3AccessKey = getEnv("COMMUNE_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnv("COMMUNE_S3_SECRET_KEY", "")
	if s3Region := getEnv("COMMUNE_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	cfg.S3UsePathStyle = getEnvBool("COMMUNE_S3_USE_PATH_STYLE", false)

	// Redis config
	cfg.RedisURL = getEnv("COMMUNE_REDIS_URL", "")
	cfg.RedisPassword = getEnv("COMMUNE_REDIS_PASSWORD", "")
	if redisDB := getEnvInt("COMMUNE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("COMMUNE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("COMMUNE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	if ttl := getEnvDuration("COMMUNE_QUOTA_CACHE_TTL", 0); ttl > 0 {
		cfg.QuotaCacheTTL = ttl
	}

	return cfg
}

func loadNotificationsConfig() NotificationsConfig {
	return NotificationsConfig{
		WebhookURL:     getEnv("COMMUNE_WEBHOOK_URL", ""),
		WebhookSecret:  getEnv("COMMUNE_WEBHOOK_SECRET", ""),
		WebhookTimeout: getEnvDuration("COMMUNE_WEBHOOK_TIMEOUT", 10*time.Second),
		BatchSize:      getEnvInt("COMMUNE_OUTBOX_BATCH_SIZE", 50),
		Workers:        getEnvInt("COMMUNE_OUTBOX_WORKERS", 4),
	}
}

func loadNumberingConfig() NumberingConfig {
	return NumberingConfig{
		FormatsPath: getEnv("COMMUNE_NUMBERING_FORMATS", ""),
		Watch:       getEnvBool("COMMUNE_NUMBERING_WATCH", true),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		ProcessorSecret:  getEnv("COMMUNE_PROCESSOR_SECRET", ""),
		CatalogCacheSize: getEnvInt("COMMUNE_CATALOG_CACHE_SIZE", 512),
		CatalogCacheTTL:  getEnvDuration("COMMUNE_CATALOG_CACHE_TTL", 5*time.Minute),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ApplyDueSpec:       getEnv("COMMUNE_SCHEDULE_APPLY_DUE", "@every 15m"),
		OutboxDispatchSpec: getEnv("COMMUNE_SCHEDULE_OUTBOX", "@every 30s"),
		ReplicaHealthSpec:  getEnv("COMMUNE_SCHEDULE_REPLICA_HEALTH", "@every 1m"),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:            getEnvBool("COMMUNE_RATE_LIMIT_ENABLED", true),
		Distributed:        getEnvBool("COMMUNE_RATE_LIMIT_DISTRIBUTED", true),
		OperatorPerMinute:  getEnvInt("COMMUNE_RATE_LIMIT_OPERATOR", 1000),
		OperatorBurst:      getEnvInt("COMMUNE_RATE_LIMIT_OPERATOR_BURST", 50),
		AnonymousPerMinute: getEnvInt("COMMUNE_RATE_LIMIT_ANONYMOUS", 100),
		AnonymousBurst:     getEnvInt("COMMUNE_RATE_LIMIT_ANONYMOUS_BURST", 10),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("COMMUNE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("COMMUNE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("COMMUNE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("COMMUNE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("COMMUNE_OTEL_SERVICE_NAME", "commune"),
		OTelServiceVersion: getEnv("COMMUNE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("COMMUNE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	// Validate storage config
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.PostgresMinConns > c.Storage.PostgresMaxConns {
		return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.Storage.PostgresMinConns, c.Storage.PostgresMaxConns)
	}
	if c.Storage.S3Endpoint != "" && c.Storage.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required when an S3 endpoint is set")
	}

	if c.Notifications.WebhookURL != "" && c.Notifications.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required when a webhook URL is set")
	}
	if c.Notifications.BatchSize <= 0 || c.Notifications.Workers <= 0 {
		return fmt.Errorf("outbox batch size and workers must be positive")
	}

	for name, spec := range map[string]string{
		"apply due":       c.Scheduler.ApplyDueSpec,
		"outbox dispatch": c.Scheduler.OutboxDispatchSpec,
		"replica health":  c.Scheduler.ReplicaHealthSpec,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.OperatorPerMinute <= 0 || c.RateLimit.AnonymousPerMinute <= 0) {
		return fmt.Errorf("rate limits must be positive when rate limiting is enabled")
	}

	// Validate OpenTelemetry config
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

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma separated environment variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
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
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
