package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_DomainCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.DocumentNumbered("FA")
	m.DocumentNumbered("FA")
	m.BillingChange("PLAN_CHANGE", "APPLIED")
	m.MandateTransition("accept")
	m.LifecycleTransition("suspend")
	m.TenantsDeleted(3)
	m.OutboxDelivery("sent")
	m.QuotaCache("hit")
	m.TxConflictRetry()
	m.RecordDBStats(5, 2)
	m.ObserveJob("apply_due", time.Now().Add(-time.Second))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.DocumentsNumberedTotal.WithLabelValues("FA")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BillingChangesTotal.WithLabelValues("PLAN_CHANGE", "APPLIED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MandateTransitionsTotal.WithLabelValues("accept")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LifecycleTransitionsTotal.WithLabelValues("suspend")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.TenantsDeletedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxDeliveriesTotal.WithLabelValues("sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QuotaCacheTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TxConflictRetriesTotal))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.DBConnectionsOpen))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DocumentNumbered("FA")
		m.BillingChange("ADDON_CHANGE", "PENDING")
		m.TenantsDeleted(1)
		m.ObserveJob("x", time.Now())
	})
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/v1/tenants/{id}/quotas/{kind}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods("GET")

	req := httptest.NewRequest("GET", "/v1/tenants/12/quotas/admin_seats", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/tenants/{id}/quotas/{kind}", "418")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.DocumentNumbered("BC")

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `commune_documents_numbered_total{family="BC"} 1`))
}
