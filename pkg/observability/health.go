package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// Pinger is anything whose reachability can be probed
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

type dependency struct {
	name     string
	pinger   Pinger
	required bool
}

// HealthChecker provides liveness and readiness probes
type HealthChecker struct {
	version string
	deps    []dependency
	db      *sql.DB
}

// NewHealthChecker creates a health checker for the primary database and an optional Redis client
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	h := &HealthChecker{version: "dev", db: db}
	if db != nil {
		h.AddRequired("database", db)
	}
	if redisClient != nil {
		h.AddOptional("redis", redisPinger{client: redisClient})
	}
	return h
}

// WithVersion sets the version reported by probes
func (h *HealthChecker) WithVersion(v string) *HealthChecker {
	h.version = v
	return h
}

// AddRequired registers a dependency whose failure makes the service unhealthy
func (h *HealthChecker) AddRequired(name string, p Pinger) {
	h.deps = append(h.deps, dependency{name: name, pinger: p, required: true})
}

// AddOptional registers a dependency whose failure only degrades the service
func (h *HealthChecker) AddOptional(name string, p Pinger) {
	h.deps = append(h.deps, dependency{name: name, pinger: p})
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Liveness always returns 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness checks all dependencies and returns 503 when a required one is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// Check probes every registered dependency
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	for _, dep := range h.deps {
		start := time.Now()
		err := dep.pinger.PingContext(ctx)
		ds := DependencyStatus{Status: StatusHealthy, Latency: time.Since(start), Timestamp: time.Now().UTC()}
		if err != nil {
			ds.Status = StatusUnhealthy
			ds.Message = err.Error()
			if dep.required {
				status.Status = StatusUnhealthy
			} else if status.Status != StatusUnhealthy {
				status.Status = StatusDegraded
			}
		}
		status.Dependencies[dep.name] = ds
	}

	if h.db != nil && status.Status == StatusHealthy {
		stats := h.db.Stats()
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			status.Status = StatusDegraded
			ds := status.Dependencies["database"]
			ds.Status = StatusDegraded
			ds.Message = "connection pool exhausted"
			status.Dependencies["database"] = ds
		}
	}

	return status
}

// DependencyNames lists registered dependencies in sorted order
func (h *HealthChecker) DependencyNames() []string {
	names := make([]string, 0, len(h.deps))
	for _, d := range h.deps {
		names = append(names, d.name)
	}
	sort.Strings(names)
	return names
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/healthz", checker.Liveness)
	mux.HandleFunc("/readyz", checker.Readiness)
}
