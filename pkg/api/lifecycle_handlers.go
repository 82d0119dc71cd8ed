package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/commune/pkg/audit"
	"github.com/platinummonkey/commune/pkg/httputil"
	"github.com/platinummonkey/commune/pkg/lifecycle"
	"github.com/platinummonkey/commune/pkg/middleware"
	"github.com/platinummonkey/commune/pkg/orgs"
)

// LifecycleHandlers handles suspension, archival and deletion of tenants
type LifecycleHandlers struct {
	lifecycle LifecycleService
}

// NewLifecycleHandlers creates a new LifecycleHandlers
func NewLifecycleHandlers(lifecycleService LifecycleService) *LifecycleHandlers {
	return &LifecycleHandlers{lifecycle: lifecycleService}
}

// RegisterRoutes registers lifecycle routes
func (h *LifecycleHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants/{tenantID}/suspend", h.Suspend).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/unsuspend", h.Unsuspend).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/archive", h.Archive).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}", h.Delete).Methods("DELETE")
	router.HandleFunc("/tenants/{tenantID}/audit", h.ExportAudit).Methods("GET")
}

// Suspend handles POST /v1/tenants/{tenantID}/suspend
func (h *LifecycleHandlers) Suspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Suspend)
}

// Unsuspend handles POST /v1/tenants/{tenantID}/unsuspend
func (h *LifecycleHandlers) Unsuspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Unsuspend)
}

// Archive handles POST /v1/tenants/{tenantID}/archive
func (h *LifecycleHandlers) Archive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Archive)
}

// Delete handles DELETE /v1/tenants/{tenantID}. Only archived tenants can be deleted.
func (h *LifecycleHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}

	report, err := h.lifecycle.DeleteArchivedTenant(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, report)
}

// ExportAudit handles GET /v1/tenants/{tenantID}/audit?format=json|ndjson|csv
func (h *LifecycleHandlers) ExportAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	format := audit.ExportFormat(httputil.ParseQueryString(r, "format", string(audit.ExportFormatJSON)))

	events, err := h.lifecycle.History(r.Context(), id, limit)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	data, err := audit.Export(events, format)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", audit.ContentType(format))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *LifecycleHandlers) transition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, tenantID int64, req *lifecycle.TransitionRequest) (*orgs.Tenant, error)) {
	id, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	var req lifecycle.TransitionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	tenant, err := fn(r.Context(), id, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, tenant)
}
