package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct{ err error }

func (s stubPinger) PingContext(ctx context.Context) error { return s.err }

func TestHealthChecker_DatabaseAndRedis(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewHealthChecker(db, client).WithVersion("1.2.3")
	status := checker.Check(context.Background())

	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, []string{"database", "redis"}, checker.DependencyNames())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_OptionalFailureDegrades(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	checker.AddRequired("primary", stubPinger{})
	checker.AddOptional("replica", stubPinger{err: errors.New("down")})

	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, "down", status.Dependencies["replica"].Message)
}

func TestHealthChecker_ReadinessUnhealthy(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	checker.AddRequired("primary", stubPinger{err: errors.New("refused")})

	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, checker)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthChecker_PingerFunc(t *testing.T) {
	calls := 0
	checker := NewHealthChecker(nil, nil)
	checker.AddOptional("object_storage", PingerFunc(func(ctx context.Context) error {
		calls++
		return nil
	}))

	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, 1, calls)
}
