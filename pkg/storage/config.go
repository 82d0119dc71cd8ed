package storage

import "time"

// Config for the persistence backends
type Config struct {
	// PostgreSQL
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// Conflict retries for request-scoped transactions
	TxMaxRetries     uint64
	TxInitialBackoff time.Duration

	// S3 (purchase order scans)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Redis (quota display cache)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	QuotaCacheTTL   time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		TxMaxRetries:        3,
		TxInitialBackoff:    20 * time.Millisecond,
		S3Region:            "us-east-1",
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		QuotaCacheTTL:       30 * time.Second,
	}
}
