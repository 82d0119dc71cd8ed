package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/commune/pkg/billing"
	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/config"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/outbox"
	"github.com/platinummonkey/commune/pkg/quota"
	"github.com/platinummonkey/commune/pkg/storage"
	"github.com/platinummonkey/commune/pkg/storage/postgres"
)

var version = "dev"

var (
	runOnce    = flag.String("run-once", "", "Run one job (apply-due, outbox) and exit")
	healthPort = flag.String("health-port", "", "Port for health and metrics (defaults to COMMUNE_HEALTH_PORT)")
)

type jobs struct {
	billing    *billing.Service
	dispatcher *outbox.Dispatcher
	cm         *postgres.ConnectionManager
	metrics    *observability.Metrics
	logger     *observability.Logger
	batchSize  int
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "commune-scheduler").
		WithField("version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry, continuing without it")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	cm, err := postgres.NewConnectionManager(ctx, cfg.Storage, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, quota cache will not be invalidated")
			redisClient = nil
		}
	}

	tx := storage.NewTxRunner(cm.Primary(), storage.Postgres,
		storage.WithMaxRetries(cfg.Storage.TxMaxRetries),
		storage.WithInitialBackoff(cfg.Storage.TxInitialBackoff),
		storage.WithLogger(logger),
		storage.WithMetrics(metrics),
	)
	cat := catalog.NewCached(catalog.NewPostgres(cm.Primary()), cfg.Billing.CatalogCacheSize, cfg.Billing.CatalogCacheTTL)

	quotaOpts := []quota.Option{quota.WithLogger(logger), quota.WithMetrics(metrics)}
	if redisClient != nil {
		quotaOpts = append(quotaOpts, quota.WithCache(redisClient, cfg.Storage.QuotaCacheTTL))
	}
	resolver := quota.NewResolver(cat, cm, quotaOpts...)

	var sender outbox.Sender = outbox.NewLogSender(logger)
	if cfg.Notifications.WebhookURL != "" {
		sender = outbox.NewWebhookSender(cfg.Notifications.WebhookURL, cfg.Notifications.WebhookSecret, cfg.Notifications.WebhookTimeout)
	}
	dispatchConfig := outbox.DefaultDispatcherConfig()
	dispatchConfig.BatchSize = cfg.Notifications.BatchSize
	dispatchConfig.Workers = cfg.Notifications.Workers

	j := &jobs{
		billing: billing.NewService(tx, cat, logger).
			WithMetrics(metrics).
			WithInvalidator(resolver),
		dispatcher: outbox.NewDispatcher(tx, sender, dispatchConfig, logger, metrics),
		cm:         cm,
		metrics:    metrics,
		logger:     logger,
		batchSize:  dispatchConfig.BatchSize,
	}

	// Run once mode (for operators and backfills)
	if *runOnce != "" {
		var err error
		switch *runOnce {
		case "apply-due":
			err = j.applyDue(ctx)
		case "outbox":
			err = j.dispatchOutbox(ctx)
		default:
			log.Fatalf("Unknown job %q (must be apply-due or outbox)", *runOnce)
		}
		cm.Close()
		if err != nil {
			log.Fatalf("Job %s failed: %v", *runOnce, err)
		}
		return
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	schedule := map[string]struct {
		spec string
		run  func(context.Context) error
	}{
		"apply-due":      {cfg.Scheduler.ApplyDueSpec, j.applyDue},
		"outbox":         {cfg.Scheduler.OutboxDispatchSpec, j.dispatchOutbox},
		"replica-health": {cfg.Scheduler.ReplicaHealthSpec, j.checkReplicas},
	}
	for name, job := range schedule {
		name, job := name, job
		if _, err := c.AddFunc(job.spec, func() {
			started := time.Now()
			defer metrics.ObserveJob(name, started)
			if err := job.run(ctx); err != nil {
				logger.WithError(err).WithField("job", name).Error("Scheduled job failed")
			}
		}); err != nil {
			logger.WithError(err).WithField("job", name).Error("Failed to schedule job")
			os.Exit(1)
		}
		logger.WithFields(map[string]interface{}{"job": name, "schedule": job.spec}).Info("Job scheduled")
	}

	port := cfg.Server.HealthPort
	if *healthPort != "" {
		port = *healthPort
	}
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(cm.Primary(), redisClient).WithVersion(version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, port),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, healthServer)
	shutdown.Register("cron", func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Register("database", func(context.Context) error { return cm.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	if otelProviders != nil {
		shutdown.Register("otel", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Health server failed")
			cancel()
		}
	}()

	c.Start()
	logger.Info("Commune scheduler started")

	if err := shutdown.WaitForSignal(ctx); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("Scheduler stopped")
}

func (j *jobs) applyDue(ctx context.Context) error {
	result, err := j.billing.ApplyDue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	j.logger.WithFields(map[string]interface{}{
		"applied": result.Applied,
		"failed":  result.Failed,
	}).Info("Due billing changes applied")
	return nil
}

// dispatchOutbox drains due events batch by batch
func (j *jobs) dispatchOutbox(ctx context.Context) error {
	var total outbox.Result
	for ctx.Err() == nil {
		result, err := j.dispatcher.Dispatch(ctx)
		if err != nil {
			return err
		}
		total.Claimed += result.Claimed
		total.Sent += result.Sent
		total.Retried += result.Retried
		total.Failed += result.Failed
		if result.Claimed < j.batchSize {
			break
		}
	}
	if total.Claimed > 0 {
		j.logger.WithFields(map[string]interface{}{
			"claimed": total.Claimed,
			"sent":    total.Sent,
			"retried": total.Retried,
			"failed":  total.Failed,
		}).Info("Outbox dispatched")
	}
	return nil
}

func (j *jobs) checkReplicas(ctx context.Context) error {
	if removed := j.cm.RemoveUnhealthyReplicas(ctx); removed > 0 {
		j.logger.WithField("removed", removed).Warn("Removed unhealthy read replicas")
	}
	stats := j.cm.Primary().Stats()
	j.metrics.RecordDBStats(stats.OpenConnections, stats.InUse)
	return nil
}

// cronLogger adapts the structured logger to cron's logger interface
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			out[key] = keysAndValues[i+1]
		}
	}
	return out
}
