package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/commune/pkg/billing"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/httputil"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/outbox"
)

// SignatureHeader carries the HMAC-SHA256 signature of a processor callback body
const SignatureHeader = "X-Processor-Signature"

// ProcessorHandlers receives payment processor callbacks
type ProcessorHandlers struct {
	billing BillingService
	secret  string
}

// NewProcessorHandlers creates a new ProcessorHandlers
func NewProcessorHandlers(billingService BillingService, secret string) *ProcessorHandlers {
	return &ProcessorHandlers{
		billing: billingService,
		secret:  secret,
	}
}

// RegisterRoutes registers processor routes
func (h *ProcessorHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/events", h.HandleEvent).Methods("POST")
}

// ProcessorEvent asks for a scheduled billing change to be applied once the
// processor has settled it
type ProcessorEvent struct {
	Source          string `json:"source" validate:"required,max=50"`
	EventID         string `json:"event_id" validate:"required,max=200"`
	BillingChangeID int64  `json:"billing_change_id" validate:"required,gt=0"`
}

// ProcessorEventResponse reports the change after the event was handled
type ProcessorEventResponse struct {
	Change    *billing.Change `json:"change"`
	Duplicate bool            `json:"duplicate"`
}

// HandleEvent handles POST /v1/processor/events. Redelivered events answer
// with the change as it is now.
func (h *ProcessorHandlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "not_found", "processor events are not enabled")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}
	if !outbox.VerifySignature(body, r.Header.Get(SignatureHeader), h.secret) {
		httputil.WriteUnauthorized(w, "invalid signature")
		return
	}

	var event ProcessorEvent
	r.Body = io.NopCloser(bytes.NewReader(body))
	if !httputil.ParseJSONOrError(w, r, &event) {
		return
	}

	ctx := observability.WithActor(r.Context(), "processor:"+event.Source)
	change, duplicate, err := h.billing.ApplyForProcessorEvent(ctx, event.Source, event.EventID, event.BillingChangeID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"event_id":  event.EventID,
		"change_id": event.BillingChangeID,
		"duplicate": duplicate,
	}).Info("processor event handled")
	httputil.WriteSuccess(w, ProcessorEventResponse{Change: change, Duplicate: duplicate})
}

// SignEvent encodes and signs a processor event the way HandleEvent expects
func SignEvent(event ProcessorEvent, secret string) ([]byte, string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, "", errs.Validation("invalid event: %v", err)
	}
	return body, outbox.Sign(body, secret), nil
}
