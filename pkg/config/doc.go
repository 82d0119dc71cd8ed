// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from COMMUNE_* environment
// variables with sensible defaults for all settings. Only the database URL is
// required.
//
// # Configuration Structure
//
// Server settings:
//
//	COMMUNE_HOST="0.0.0.0"
//	COMMUNE_PORT="8080"
//	COMMUNE_HEALTH_PORT="9090"
//	COMMUNE_READ_TIMEOUT="15s"
//	COMMUNE_WRITE_TIMEOUT="30s"
//	COMMUNE_MAX_BODY_BYTES="1048576"
//
// Storage settings:
//
//	COMMUNE_POSTGRES_URL="postgres://localhost/commune"
//	COMMUNE_POSTGRES_REPLICA_URLS="postgres://replica1/commune,postgres://replica2/commune"
//	COMMUNE_POSTGRES_MAX_CONNS="20"
//	COMMUNE_TX_MAX_RETRIES="3"
//	COMMUNE_S3_ENDPOINT="http://minio:9000"
//	COMMUNE_S3_BUCKET="commune-scans"
//	COMMUNE_REDIS_URL="localhost:6379"
//	COMMUNE_QUOTA_CACHE_TTL="30s"
//
// Notifications, numbering and billing:
//
//	COMMUNE_WEBHOOK_URL="https://hooks.example.org/commune"
//	COMMUNE_WEBHOOK_SECRET="..."
//	COMMUNE_NUMBERING_FORMATS="/etc/commune/numbering.yaml"
//	COMMUNE_PROCESSOR_SECRET="..."
//
// Scheduler (cron specs, descriptors such as @every are accepted):
//
//	COMMUNE_SCHEDULE_APPLY_DUE="@every 15m"
//	COMMUNE_SCHEDULE_OUTBOX="@every 30s"
//
// Observability settings:
//
//	COMMUNE_LOG_LEVEL="info"  # debug, info, warn, error
//	COMMUNE_METRICS_ENABLED="true"
//	COMMUNE_OTEL_ENABLED="true"
//	COMMUNE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
package config
