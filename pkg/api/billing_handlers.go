package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"github.com/platinummonkey/commune/pkg/billing"
	"github.com/platinummonkey/commune/pkg/httputil"
	"github.com/platinummonkey/commune/pkg/middleware"
)

// BillingHandlers handles billing change and ledger requests
type BillingHandlers struct {
	billing BillingService
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(billingService BillingService) *BillingHandlers {
	return &BillingHandlers{billing: billingService}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants/{tenantID}/billing-changes", h.ScheduleChange).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/billing-changes", h.ListChanges).Methods("GET")
	router.HandleFunc("/tenants/{tenantID}/billing-changes/preview", h.PreviewChange).Methods("POST")
	router.HandleFunc("/billing-changes/{id}", h.GetChange).Methods("GET")
	router.HandleFunc("/billing-changes/{id}/apply", h.ApplyChange).Methods("POST")
	router.HandleFunc("/billing-changes/{id}/cancel", h.CancelChange).Methods("POST")

	router.HandleFunc("/tenants/{tenantID}/ledger", h.GetLedger).Methods("GET")
	router.HandleFunc("/tenants/{tenantID}/ledger/consume", h.ConsumeEntries).Methods("POST")
}

// LedgerResponse is a tenant's balance with the entries making it up
type LedgerResponse struct {
	Balance *billing.Balance       `json:"balance"`
	Entries []*billing.LedgerEntry `json:"entries"`
}

// ConsumeResponse reports the entries consumed by an invoice
type ConsumeResponse struct {
	InvoiceRef string                 `json:"invoice_ref"`
	NetCents   int64                  `json:"net_cents"`
	Entries    []*billing.LedgerEntry `json:"entries"`
}

// ScheduleChange handles POST /v1/tenants/{tenantID}/billing-changes
func (h *BillingHandlers) ScheduleChange(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	var req billing.ScheduleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	change, err := h.billing.Schedule(r.Context(), tenantID, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteCreated(w, change)
}

// ListChanges handles GET /v1/tenants/{tenantID}/billing-changes
func (h *BillingHandlers) ListChanges(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}

	changes, err := h.billing.ListChanges(r.Context(), tenantID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if status := httputil.ParseQueryString(r, "status", ""); status != "" {
		changes = lo.Filter(changes, func(c *billing.Change, _ int) bool {
			return string(c.Status) == status
		})
	}
	httputil.WriteSuccess(w, lo.Ternary(changes == nil, []*billing.Change{}, changes))
}

// PreviewChange handles POST /v1/tenants/{tenantID}/billing-changes/preview
func (h *BillingHandlers) PreviewChange(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	var req billing.ScheduleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	preview, err := h.billing.Preview(r.Context(), tenantID, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, preview)
}

// GetChange handles GET /v1/billing-changes/{id}
func (h *BillingHandlers) GetChange(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	change, err := h.billing.GetChange(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, change)
}

// ApplyChange handles POST /v1/billing-changes/{id}/apply
func (h *BillingHandlers) ApplyChange(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	change, err := h.billing.Apply(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, change)
}

// CancelChange handles POST /v1/billing-changes/{id}/cancel
func (h *BillingHandlers) CancelChange(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	change, err := h.billing.Cancel(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, change)
}

// GetLedger handles GET /v1/tenants/{tenantID}/ledger
func (h *BillingHandlers) GetLedger(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}

	balance, err := h.billing.LedgerBalance(r.Context(), tenantID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	entries, err := h.billing.UnappliedEntries(r.Context(), tenantID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, LedgerResponse{
		Balance: balance,
		Entries: lo.Ternary(entries == nil, []*billing.LedgerEntry{}, entries),
	})
}

// ConsumeEntries handles POST /v1/tenants/{tenantID}/ledger/consume
func (h *BillingHandlers) ConsumeEntries(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	var req billing.ConsumeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.EntryIDs = lo.Uniq(req.EntryIDs)

	entries, err := h.billing.MarkEntriesApplied(r.Context(), tenantID, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ConsumeResponse{
		InvoiceRef: req.InvoiceRef,
		NetCents:   lo.SumBy(entries, func(e *billing.LedgerEntry) int64 { return e.Signed() }),
		Entries:    entries,
	})
}
