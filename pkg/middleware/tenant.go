package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/commune/pkg/httputil"
	"github.com/platinummonkey/commune/pkg/orgs"
)

type tenantContextKey struct{}

// TenantLoader reads a tenant by id
type TenantLoader interface {
	GetTenant(ctx context.Context, id int64) (*orgs.Tenant, error)
}

// TenantVar is the route variable holding a tenant id
const TenantVar = "tenantID"

// TenantGate resolves the {tenantID} route variable to a tenant, answering 404
// for unknown tenants before the handler runs. Other routes pass through.
func TenantGate(loader TenantLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := mux.Vars(r)[TenantVar]; !ok {
				next.ServeHTTP(w, r)
				return
			}

			id, ok := httputil.ParsePathInt64OrError(w, r, TenantVar)
			if !ok {
				return
			}
			tenant, err := loader.GetTenant(r.Context(), id)
			if err != nil {
				httputil.WriteError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), tenantContextKey{}, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext returns the tenant loaded by TenantGate, if any
func TenantFromContext(ctx context.Context) (*orgs.Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey{}).(*orgs.Tenant)
	return t, ok
}
