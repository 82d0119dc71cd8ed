package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/orgs"
	"github.com/stretchr/testify/assert"
)

func TestActorMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		required bool
		method   string
		actor    string
		status   int
		want     string
	}{
		{"actor set", true, http.MethodPost, "ops@example.org", http.StatusOK, "ops@example.org"},
		{"missing on mutation", true, http.MethodPost, "", http.StatusUnauthorized, ""},
		{"missing on read", true, http.MethodGet, "", http.StatusOK, ""},
		{"optional", false, http.MethodDelete, "", http.StatusOK, ""},
		{"too long", true, http.MethodPost, strings.Repeat("a", 200), http.StatusBadRequest, ""},
		{"trimmed", true, http.MethodPut, "  ops  ", http.StatusOK, "ops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := ActorMiddleware(tt.required)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = observability.GetActor(r.Context())
			}))

			req := httptest.NewRequest(tt.method, "/v1/tenants", nil)
			if tt.actor != "" {
				req.Header.Set(ActorHeader, tt.actor)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, seen)
		})
	}
}

type tenantLoaderFunc func(ctx context.Context, id int64) (*orgs.Tenant, error)

func (f tenantLoaderFunc) GetTenant(ctx context.Context, id int64) (*orgs.Tenant, error) {
	return f(ctx, id)
}

func TestTenantGate(t *testing.T) {
	loader := tenantLoaderFunc(func(ctx context.Context, id int64) (*orgs.Tenant, error) {
		if id == 1 {
			return &orgs.Tenant{ID: 1, Name: "Saint-Malo"}, nil
		}
		return nil, errs.NotFound("tenant", id)
	})

	var loaded *orgs.Tenant
	router := mux.NewRouter()
	router.Use(TenantGate(loader))
	router.HandleFunc("/v1/tenants/{tenantID}/features", func(w http.ResponseWriter, r *http.Request) {
		loaded, _ = TenantFromContext(r.Context())
	})
	router.HandleFunc("/v1/tenants", func(w http.ResponseWriter, r *http.Request) {
		_, ok := TenantFromContext(r.Context())
		assert.False(t, ok)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tenants/1/features", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	if assert.NotNil(t, loaded) {
		assert.Equal(t, "Saint-Malo", loaded.Name)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tenants/2/features", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tenants/abc/features", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tenants", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
