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
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/commune/pkg/api"
	"github.com/platinummonkey/commune/pkg/billing"
	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/config"
	"github.com/platinummonkey/commune/pkg/documents"
	"github.com/platinummonkey/commune/pkg/lifecycle"
	"github.com/platinummonkey/commune/pkg/mandate"
	"github.com/platinummonkey/commune/pkg/middleware"
	"github.com/platinummonkey/commune/pkg/numbering"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/orgs"
	"github.com/platinummonkey/commune/pkg/quota"
	"github.com/platinummonkey/commune/pkg/storage"
	"github.com/platinummonkey/commune/pkg/storage/postgres"
)

var version = "dev"

func main() {
	migrate := flag.Bool("migrate", true, "Apply the database schema on startup")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "commune").
		WithField("version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry, continuing without it")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	cm, err := postgres.NewConnectionManager(ctx, cfg.Storage, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	if *migrate {
		if err := postgres.Migrate(ctx, cm.Primary(), storage.Postgres); err != nil {
			logger.WithError(err).Error("Failed to apply schema")
			os.Exit(1)
		}
	}

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, quota cache and shared rate limits disabled")
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

	formats := numbering.NewRegistry()
	if path := cfg.Numbering.FormatsPath; path != "" {
		if err := formats.LoadFile(path); err != nil {
			logger.WithError(err).WithField("path", path).Error("Failed to load numbering formats")
			os.Exit(1)
		}
		if cfg.Numbering.Watch {
			if err := formats.Watch(ctx, path, logger); err != nil {
				logger.WithError(err).Warn("Numbering formats will not be reloaded")
			}
		}
	}

	scans, err := newDocumentStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize document storage")
		os.Exit(1)
	}

	svc := api.Services{
		Tenants:  orgs.NewService(tx, resolver, logger).WithInvalidator(resolver),
		Quotas:   resolver,
		Features: quota.NewCapabilities(cat, cm),
		Billing: billing.NewService(tx, cat, logger).
			WithMetrics(metrics).
			WithInvalidator(resolver),
		Mandates: mandate.NewService(tx, numbering.NewAllocator(formats, metrics), cat, logger).
			WithMetrics(metrics).
			WithInvalidator(resolver),
		Lifecycle: lifecycle.NewManager(tx, logger).
			WithMetrics(metrics).
			WithInvalidator(resolver),
		Documents: scans,
	}

	opts := api.Options{
		Logger:          logger,
		Metrics:         metrics,
		ProcessorSecret: cfg.Billing.ProcessorSecret,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimiter = newRateLimiter(ctx, cfg.RateLimit, redisClient)
	}
	server := api.NewServer(svc, opts)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(cm.Primary(), redisClient).WithVersion(version)
	if s3Store, ok := scans.(*documents.S3Store); ok {
		checker.AddOptional("object_storage", observability.PingerFunc(s3Store.HealthCheck))
	}
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer, healthServer)
	shutdown.Register("background", func(context.Context) error {
		cancel()
		return nil
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

	for _, srv := range []*http.Server{httpServer, healthServer} {
		go func(srv *http.Server) {
			logger.WithField("addr", srv.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).WithField("addr", srv.Addr).Error("HTTP server failed")
				cancel()
			}
		}(srv)
	}

	if err := shutdown.WaitForSignal(ctx); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

// newDocumentStore keeps purchase order scans in S3 when a bucket is
// configured, and in memory otherwise
func newDocumentStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) (documents.Store, error) {
	if cfg.Storage.S3Bucket == "" {
		logger.Warn("No S3 bucket configured, purchase order scans are kept in memory")
		return documents.NewMemoryStore(), nil
	}
	client, err := postgres.NewS3Client(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	return documents.NewS3Store(client, cfg.Storage.S3Bucket), nil
}

func newRateLimiter(ctx context.Context, cfg config.RateLimitConfig, redisClient *redis.Client) func(http.Handler) http.Handler {
	operator := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.OperatorPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.OperatorBurst,
	}
	anonymous := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.AnonymousPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.AnonymousBurst,
	}
	if cfg.Distributed && redisClient != nil {
		return middleware.NewDistributedRateLimitMiddleware(redisClient, operator, anonymous).Handler
	}
	limiter := middleware.NewRateLimitMiddleware(operator, anonymous)
	limiter.StartCleanup(ctx)
	return limiter.Handler
}
