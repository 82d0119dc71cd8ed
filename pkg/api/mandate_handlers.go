package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"github.com/platinummonkey/commune/pkg/documents"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/httputil"
	"github.com/platinummonkey/commune/pkg/mandate"
	"github.com/platinummonkey/commune/pkg/middleware"
	"github.com/platinummonkey/commune/pkg/observability"
)

// MandateHandlers handles quote, mandate order, invoice and credit note requests
type MandateHandlers struct {
	mandates  MandateService
	documents documents.Store
}

// NewMandateHandlers creates a new MandateHandlers. A nil store refuses scan uploads.
func NewMandateHandlers(mandates MandateService, store documents.Store) *MandateHandlers {
	return &MandateHandlers{
		mandates:  mandates,
		documents: store,
	}
}

// RegisterRoutes registers mandate routes
func (h *MandateHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants/{tenantID}/quotes", h.CreateQuote).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/mandate-orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/mandate-orders", h.ListOrders).Methods("GET")

	router.HandleFunc("/mandate-orders/{id}", h.GetOrder).Methods("GET")
	router.HandleFunc("/mandate-orders/{id}/activities", h.ListActivities).Methods("GET")
	router.HandleFunc("/mandate-orders/{id}/invoices", h.ListInvoices).Methods("GET")
	router.HandleFunc("/mandate-orders/{id}/consistency", h.CheckConsistency).Methods("GET")
	router.HandleFunc("/mandate-orders/{id}/send", h.Send).Methods("POST")
	router.HandleFunc("/mandate-orders/{id}/await-purchase-order", h.AwaitPurchaseOrder).Methods("POST")
	router.HandleFunc("/mandate-orders/{id}/purchase-order", h.CapturePurchaseOrder).Methods("POST")
	router.HandleFunc("/mandate-orders/{id}/accept", h.Accept).Methods("POST")
	router.HandleFunc("/mandate-orders/{id}/reject", h.Reject).Methods("POST")
	router.HandleFunc("/mandate-orders/{id}/invoice", h.Invoice).Methods("POST")
	router.HandleFunc("/mandate-orders/{id}/complete", h.Complete).Methods("POST")

	router.HandleFunc("/mandate-invoices/{id}/credit-notes", h.IssueCreditNote).Methods("POST")
}

// ConsistencyResponse reports whether an order satisfies its invariants
type ConsistencyResponse struct {
	OrderID    int64  `json:"order_id"`
	Consistent bool   `json:"consistent"`
	Violation  string `json:"violation,omitempty"`
}

// CreateQuote handles POST /v1/tenants/{tenantID}/quotes
func (h *MandateHandlers) CreateQuote(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	var req mandate.CreateQuoteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	quote, err := h.mandates.CreateQuote(r.Context(), tenantID, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteCreated(w, quote)
}

// CreateOrder handles POST /v1/tenants/{tenantID}/mandate-orders
func (h *MandateHandlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}
	var req mandate.CreateOrderRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	order, err := h.mandates.CreateOrder(r.Context(), tenantID, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteCreated(w, order)
}

// ListOrders handles GET /v1/tenants/{tenantID}/mandate-orders
func (h *MandateHandlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, middleware.TenantVar)
	if !ok {
		return
	}

	orders, err := h.mandates.ListOrders(r.Context(), tenantID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, lo.Ternary(orders == nil, []*mandate.Order{}, orders))
}

// GetOrder handles GET /v1/mandate-orders/{id}
func (h *MandateHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.orderResult(w, r, h.mandates.GetOrder)
}

// ListActivities handles GET /v1/mandate-orders/{id}/activities
func (h *MandateHandlers) ListActivities(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	activities, err := h.mandates.Activities(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, lo.Ternary(activities == nil, []*mandate.Activity{}, activities))
}

// ListInvoices handles GET /v1/mandate-orders/{id}/invoices
func (h *MandateHandlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	invoices, err := h.mandates.Invoices(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, lo.Ternary(invoices == nil, []*mandate.Invoice{}, invoices))
}

// CheckConsistency handles GET /v1/mandate-orders/{id}/consistency. A violation
// is reported in the body; it is never repaired.
func (h *MandateHandlers) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	err := h.mandates.CheckConsistency(r.Context(), id)
	switch {
	case err == nil:
		httputil.WriteSuccess(w, ConsistencyResponse{OrderID: id, Consistent: true})
	case errs.IsConsistencyViolation(err):
		httputil.WriteSuccess(w, ConsistencyResponse{OrderID: id, Violation: err.Error()})
	default:
		httputil.WriteError(w, r, err)
	}
}

// Send handles POST /v1/mandate-orders/{id}/send
func (h *MandateHandlers) Send(w http.ResponseWriter, r *http.Request) {
	h.orderResult(w, r, h.mandates.Send)
}

// AwaitPurchaseOrder handles POST /v1/mandate-orders/{id}/await-purchase-order
func (h *MandateHandlers) AwaitPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	h.orderResult(w, r, h.mandates.AwaitPurchaseOrder)
}

// Complete handles POST /v1/mandate-orders/{id}/complete
func (h *MandateHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	h.orderResult(w, r, h.mandates.Complete)
}

// Accept handles POST /v1/mandate-orders/{id}/accept
func (h *MandateHandlers) Accept(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req mandate.AcceptRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	order, err := h.mandates.Accept(r.Context(), id, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, order)
}

// Reject handles POST /v1/mandate-orders/{id}/reject
func (h *MandateHandlers) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req mandate.RejectRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	order, err := h.mandates.Reject(r.Context(), id, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, order)
}

// CapturePurchaseOrder handles POST /v1/mandate-orders/{id}/purchase-order. It
// accepts JSON, or a multipart form with a "reference" field and an optional
// "scan" file that is stored before the order moves on.
func (h *MandateHandlers) CapturePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req mandate.CapturePurchaseOrderRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		scanReq, err := h.multipartCapture(r, id)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		req = *scanReq
	} else if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	order, err := h.mandates.CapturePurchaseOrder(r.Context(), id, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, order)
}

func (h *MandateHandlers) multipartCapture(r *http.Request, orderID int64) (*mandate.CapturePurchaseOrderRequest, error) {
	if err := r.ParseMultipartForm(documents.MaxScanSize); err != nil {
		return nil, errs.Validation("invalid multipart form: %v", err)
	}
	req := &mandate.CapturePurchaseOrderRequest{Reference: r.FormValue("reference")}
	if err := httputil.Validate(req); err != nil {
		return nil, err
	}

	file, header, err := r.FormFile("scan")
	if err == http.ErrMissingFile {
		return req, nil
	}
	if err != nil {
		return nil, errs.Validation("invalid scan: %v", err)
	}
	defer file.Close()

	if h.documents == nil {
		return nil, errs.Validation("scan uploads are not enabled")
	}
	order, err := h.mandates.GetOrder(r.Context(), orderID)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(file, documents.MaxScanSize+1))
	if err != nil {
		return nil, errs.Validation("invalid scan: %v", err)
	}
	if len(data) > documents.MaxScanSize {
		return nil, errs.Validation("scan exceeds %d bytes", documents.MaxScanSize)
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	key := documents.ScanKey(order.TenantID, orderID, header.Filename, data)
	path, err := h.documents.Put(r.Context(), key, bytes.NewReader(data), contentType)
	if err != nil {
		if errs.IsValidation(err) {
			return nil, err
		}
		observability.FromContext(r.Context()).WithError(err).WithField("order_id", orderID).
			Warn("failed to store purchase order scan, capturing without it")
		return req, nil
	}
	req.ScanPath = path
	return req, nil
}

// Invoice handles POST /v1/mandate-orders/{id}/invoice
func (h *MandateHandlers) Invoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req mandate.InvoiceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	invoice, err := h.mandates.Invoice(r.Context(), id, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteCreated(w, invoice)
}

// IssueCreditNote handles POST /v1/mandate-invoices/{id}/credit-notes
func (h *MandateHandlers) IssueCreditNote(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req mandate.CreditNoteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	note, err := h.mandates.IssueCreditNote(r.Context(), id, &req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteCreated(w, note)
}

func (h *MandateHandlers) orderResult(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) (*mandate.Order, error)) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	order, err := fn(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, order)
}
