package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/httputil"
	"github.com/platinummonkey/commune/pkg/middleware"
	"github.com/platinummonkey/commune/pkg/orgs"
	"github.com/platinummonkey/commune/pkg/quota"
)

// TenantHandlers handles tenant, quota and capability requests
type TenantHandlers struct {
	tenants  TenantService
	quotas   QuotaService
	features FeatureService
}

// NewTenantHandlers creates a new TenantHandlers
func NewTenantHandlers(tenants TenantService, quotas QuotaService, features FeatureService) *TenantHandlers {
	return &TenantHandlers{
		tenants:  tenants,
		quotas:   quotas,
		features: features,
	}
}

// RegisterRoutes registers tenant routes
func (h *TenantHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants", h.CreateTenant).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}", h.GetTenant).Methods("GET")
	router.HandleFunc("/tenants/{tenantID}/epci", h.AttachToEPCI).Methods("PUT")
	router.HandleFunc("/tenants/{tenantID}/epci", h.DetachFromEPCI).Methods("DELETE")
	router.HandleFunc("/tenants/{tenantID}/sub-organizations", h.CreateSubOrganization).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/admins", h.AddAdmin).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/quotas", h.ListQuotas).Methods("GET")
	router.HandleFunc("/tenants/{tenantID}/quotas/{kind}", h.GetQuota).Methods("GET")
	router.HandleFunc("/tenants/{tenantID}/features", h.GetFeatures).Methods("GET")
}

// AttachRequest links a tenant to a funding EPCI
type AttachRequest struct {
	EPCIID int64 `json:"epci_id" validate:"required,gt=0"`
}

// FeaturesResponse lists a tenant's effective capabilities
type FeaturesResponse struct {
	TenantID int64    `json:"tenant_id"`
	Features []string `json:"features"`
}

// CreateTenant handles POST /v1/tenants
func (h *TenantHandlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req orgs.CreateTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	tenant, err := h.tenants.CreateTenant(r.Context(), &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteCreated(w, tenant)
}

// GetTenant handles GET /v1/tenants/{tenantID}
func (h *TenantHandlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	if tenant, ok := middleware.TenantFromContext(r.Context()); ok {
		httputil.WriteSuccess(w, tenant)
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	tenant, err := h.tenants.GetTenant(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, tenant)
}

// AttachToEPCI handles PUT /v1/tenants/{tenantID}/epci
func (h *TenantHandlers) AttachToEPCI(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	var req AttachRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	tenant, err := h.tenants.AttachToEPCI(r.Context(), id, req.EPCIID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, tenant)
}

// DetachFromEPCI handles DELETE /v1/tenants/{tenantID}/epci
func (h *TenantHandlers) DetachFromEPCI(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}

	tenant, err := h.tenants.DetachFromEPCI(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, tenant)
}

// CreateSubOrganization handles POST /v1/tenants/{tenantID}/sub-organizations
func (h *TenantHandlers) CreateSubOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	var req orgs.CreateSubOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	tenant, err := h.tenants.CreateSubOrganization(r.Context(), id, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteCreated(w, tenant)
}

// AddAdmin handles POST /v1/tenants/{tenantID}/admins
func (h *TenantHandlers) AddAdmin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	var req orgs.AddAdminRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := h.tenants.AddAdmin(r.Context(), id, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteCreated(w, user)
}

// GetQuota handles GET /v1/tenants/{tenantID}/quotas/{kind}
func (h *TenantHandlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	kind, err := httputil.ParsePathString(r, "kind")
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	q, err := h.quotas.Resolve(r.Context(), id, catalog.ResourceKind(kind))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, q)
}

// ListQuotas handles GET /v1/tenants/{tenantID}/quotas
func (h *TenantHandlers) ListQuotas(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}

	quotas := make([]*quota.Quota, 0, len(quota.Kinds()))
	for _, kind := range quota.Kinds() {
		q, err := h.quotas.Resolve(r.Context(), id, kind)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		quotas = append(quotas, q)
	}
	httputil.WriteSuccess(w, quotas)
}

// GetFeatures handles GET /v1/tenants/{tenantID}/features
func (h *TenantHandlers) GetFeatures(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}

	features, err := h.features.EffectiveFeatures(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, FeaturesResponse{TenantID: id, Features: features.Sorted()})
}
