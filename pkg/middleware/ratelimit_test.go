package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/platinummonkey/commune/pkg/observability"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)

	key := "actor:ops@example.org"

	allowedCount := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		if limiter.Allow(key) {
			allowedCount++
		}
	}

	expected := config.RequestsPerWindow + config.BurstSize
	if allowedCount != expected {
		t.Errorf("Allowed %d requests, want %d", allowedCount, expected)
	}

	time.Sleep(time.Second)
	if !limiter.Allow(key) {
		t.Error("Should allow request after refill")
	}
}

func TestRateLimiter_Remaining(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	})

	initial := limiter.Remaining("k")
	if initial != 12 {
		t.Errorf("Initial remaining = %d, want 12", initial)
	}

	limiter.Allow("k")
	if remaining := limiter.Remaining("k"); remaining != initial-1 {
		t.Errorf("After using 1 token, remaining = %d, want %d", remaining, initial-1)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    100 * time.Millisecond,
		BurstSize:         2,
	})

	keys := []string{"a", "b", "c"}
	for _, key := range keys {
		limiter.Allow(key)
	}
	if len(limiter.buckets) != len(keys) {
		t.Errorf("Expected %d buckets, got %d", len(keys), len(limiter.buckets))
	}

	time.Sleep(300 * time.Millisecond)
	limiter.Cleanup()

	if len(limiter.buckets) != 0 {
		t.Errorf("Expected 0 buckets after cleanup, got %d", len(limiter.buckets))
	}
}

func TestRateLimiter_Concurrency(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Second,
		BurstSize:         10,
	}
	limiter := NewRateLimiter(config)

	concurrency := 10
	requestsPerGoroutine := 20
	results := make(chan bool, concurrency*requestsPerGoroutine)
	for i := 0; i < concurrency; i++ {
		go func() {
			for j := 0; j < requestsPerGoroutine; j++ {
				results <- limiter.Allow("shared")
			}
		}()
	}

	allowedCount := 0
	for i := 0; i < concurrency*requestsPerGoroutine; i++ {
		if <-results {
			allowedCount++
		}
	}

	if maxAllowed := config.RequestsPerWindow + config.BurstSize; allowedCount > maxAllowed {
		t.Errorf("Allowed %d requests with concurrency, should not exceed %d", allowedCount, maxAllowed)
	}
}

func TestNewRateLimiter_NilConfig(t *testing.T) {
	limiter := NewRateLimiter(nil)
	if limiter.config == nil || limiter.config.RequestsPerWindow <= 0 {
		t.Fatal("NewRateLimiter should fall back to the default config")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{"X-Forwarded-For header", map[string]string{"X-Forwarded-For": "192.168.1.1"}, "10.0.0.1:12345", "192.168.1.1"},
		{"X-Forwarded-For chain", map[string]string{"X-Forwarded-For": "192.168.1.1, 10.1.1.1"}, "10.0.0.1:12345", "192.168.1.1"},
		{"X-Real-IP header", map[string]string{"X-Real-IP": "192.168.1.2"}, "10.0.0.1:12345", "192.168.1.2"},
		{"RemoteAddr fallback", map[string]string{}, "10.0.0.1:12345", "10.0.0.1"},
		{"RemoteAddr without port", map[string]string{}, "10.0.0.1", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			if ip := getClientIP(req); ip != tt.expectedIP {
				t.Errorf("getClientIP() = %v, want %v", ip, tt.expectedIP)
			}
		})
	}
}

func TestRateLimitMiddleware_Anonymous(t *testing.T) {
	middleware := NewRateLimitMiddleware(nil, &RateLimitConfig{
		RequestsPerWindow: 3,
		WindowDuration:    time.Minute,
		BurstSize:         1,
	})
	handler := middleware.Handler(okHandler())

	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/tenants/1/features", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Remaining") == "" {
			t.Error("X-RateLimit-Remaining header should be set")
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/1/features", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type should be application/json, got %s", rec.Header().Get("Content-Type"))
	}

	other := httptest.NewRequest(http.MethodGet, "/v1/tenants/1/features", nil)
	other.RemoteAddr = "10.0.0.2:12345"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Errorf("Different IP: expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_KeyedByActor(t *testing.T) {
	middleware := NewRateLimitMiddleware(&RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
	}, nil)
	handler := middleware.Handler(okHandler())

	send := func(actor, ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/tenants", nil)
		req.RemoteAddr = ip
		req = req.WithContext(observability.WithActor(req.Context(), actor))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("alice", "10.0.0.1:1"); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
	if code := send("alice", "10.0.0.2:1"); code != http.StatusTooManyRequests {
		t.Errorf("same actor from another IP: expected 429, got %d", code)
	}
	if code := send("bob", "10.0.0.1:1"); code != http.StatusOK {
		t.Errorf("other actor: expected 200, got %d", code)
	}
}
