package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage metrics
	TxConflictRetriesTotal prometheus.Counter
	DBConnectionsOpen      prometheus.Gauge
	DBConnectionsInUse     prometheus.Gauge

	// Domain metrics
	DocumentsNumberedTotal     *prometheus.CounterVec
	BillingChangesTotal        *prometheus.CounterVec
	MandateTransitionsTotal    *prometheus.CounterVec
	LifecycleTransitionsTotal  *prometheus.CounterVec
	TenantsDeletedTotal        prometheus.Counter
	OutboxDeliveriesTotal      *prometheus.CounterVec
	QuotaCacheTotal            *prometheus.CounterVec
	ScheduledJobDuration       *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commune_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		TxConflictRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "commune_tx_conflict_retries_total",
				Help: "Transactions retried after a serialization or lock conflict",
			},
		),
		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "commune_db_connections_open",
				Help: "Open connections to the primary database",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "commune_db_connections_in_use",
				Help: "Connections to the primary database currently in use",
			},
		),

		DocumentsNumberedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_documents_numbered_total",
				Help: "Legal document numbers allocated",
			},
			[]string{"family"},
		),
		BillingChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_billing_changes_total",
				Help: "Billing change transitions",
			},
			[]string{"type", "status"},
		),
		MandateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_mandate_transitions_total",
				Help: "Mandate order state transitions",
			},
			[]string{"action"},
		),
		LifecycleTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_lifecycle_transitions_total",
				Help: "Tenant lifecycle transitions",
			},
			[]string{"action"},
		),
		TenantsDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "commune_tenants_deleted_total",
				Help: "Tenant rows removed by archived tenant deletion",
			},
		),
		OutboxDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_outbox_deliveries_total",
				Help: "Outbox notification delivery attempts",
			},
			[]string{"result"},
		),
		QuotaCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_quota_cache_total",
				Help: "Quota display cache lookups",
			},
			[]string{"result"},
		),
		ScheduledJobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commune_scheduled_job_duration_seconds",
				Help:    "Duration of scheduled jobs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TxConflictRetriesTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DocumentsNumberedTotal,
		m.BillingChangesTotal,
		m.MandateTransitionsTotal,
		m.LifecycleTransitionsTotal,
		m.TenantsDeletedTotal,
		m.OutboxDeliveriesTotal,
		m.QuotaCacheTotal,
		m.ScheduledJobDuration,
	)

	return m
}

func (m *Metrics) TxConflictRetry() {
	if m == nil {
		return
	}
	m.TxConflictRetriesTotal.Inc()
}

func (m *Metrics) DocumentNumbered(family string) {
	if m == nil {
		return
	}
	m.DocumentsNumberedTotal.WithLabelValues(family).Inc()
}

func (m *Metrics) BillingChange(changeType, status string) {
	if m == nil {
		return
	}
	m.BillingChangesTotal.WithLabelValues(changeType, status).Inc()
}

func (m *Metrics) MandateTransition(action string) {
	if m == nil {
		return
	}
	m.MandateTransitionsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) LifecycleTransition(action string) {
	if m == nil {
		return
	}
	m.LifecycleTransitionsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) TenantsDeleted(n int) {
	if m == nil {
		return
	}
	m.TenantsDeletedTotal.Add(float64(n))
}

func (m *Metrics) OutboxDelivery(result string) {
	if m == nil {
		return
	}
	m.OutboxDeliveriesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) QuotaCache(result string) {
	if m == nil {
		return
	}
	m.QuotaCacheTotal.WithLabelValues(result).Inc()
}

// ObserveJob records how long a scheduled job took
func (m *Metrics) ObserveJob(job string, started time.Time) {
	if m == nil {
		return
	}
	m.ScheduledJobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

// RecordDBStats copies connection pool statistics into gauges
func (m *Metrics) RecordDBStats(open, inUse int) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(open))
	m.DBConnectionsInUse.Set(float64(inUse))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by their mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
