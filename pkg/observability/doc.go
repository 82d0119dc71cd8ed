// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes, and graceful shutdown.
//
// Logging is JSON through logrus:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", id).Info("tenant archived")
//
// Request-scoped loggers carry the request id and actor:
//
//	observability.FromContext(ctx).Warn("notification delivery failed")
//
// Domain counters are methods on *Metrics and tolerate a nil receiver, so
// services can be constructed without a registry in tests.
package observability
