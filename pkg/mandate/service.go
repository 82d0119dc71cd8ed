package mandate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/numbering"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/orgs"
	"github.com/platinummonkey/commune/pkg/outbox"
	"github.com/platinummonkey/commune/pkg/storage"
)

// Invalidator drops cached quota values of tenants whose allowance changed
type Invalidator interface {
	Invalidate(ctx context.Context, tenantIDs ...int64)
}

// Service drives quotes, mandate orders and their invoices
type Service struct {
	tx          *storage.TxRunner
	numbers     *numbering.Allocator
	catalog     catalog.Catalog
	invalidator Invalidator
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewService creates a mandate service numbering its documents with numbers
func NewService(tx *storage.TxRunner, numbers *numbering.Allocator, cat catalog.Catalog, logger *observability.Logger) *Service {
	return &Service{
		tx:      tx,
		numbers: numbers,
		catalog: cat,
		logger:  observability.OrDefault(logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithMetrics sets the metrics sink
func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

// WithInvalidator sets the quota cache to invalidate when an order starts or
// stops counting toward a tenant's allowance
func (s *Service) WithInvalidator(inv Invalidator) *Service {
	s.invalidator = inv
	return s
}

// GetOrder retrieves a mandate order
func (s *Service) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return GetOrder(ctx, s.tx.DB(), id)
}

// Activities returns the history of an order
func (s *Service) Activities(ctx context.Context, orderID int64) ([]*Activity, error) {
	if _, err := GetOrder(ctx, s.tx.DB(), orderID); err != nil {
		return nil, err
	}
	return ListActivities(ctx, s.tx.DB(), orderID)
}

// ListOrders returns the mandate orders of a tenant
func (s *Service) ListOrders(ctx context.Context, tenantID int64) ([]*Order, error) {
	return ListOrders(ctx, s.tx.DB(), tenantID)
}

// Invoices returns the invoices raised against an order
func (s *Service) Invoices(ctx context.Context, orderID int64) ([]*Invoice, error) {
	if _, err := GetOrder(ctx, s.tx.DB(), orderID); err != nil {
		return nil, err
	}
	return ListInvoices(ctx, s.tx.DB(), orderID)
}

func actor(ctx context.Context) string {
	if a := observability.GetActor(ctx); a != "" {
		return a
	}
	return "system"
}

func (s *Service) liveTenant(ctx context.Context, q storage.Querier, tenantID int64) (*orgs.Tenant, error) {
	t, err := orgs.Get(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	if t.Status == orgs.StatusArchived {
		return nil, errs.InvalidState("tenant %d is archived", tenantID)
	}
	return t, nil
}

// CreateQuote prices and numbers a quote
func (s *Service) CreateQuote(ctx context.Context, tenantID int64, req *CreateQuoteRequest) (qt *Quote, err error) {
	ctx, end := observability.StartSpan(ctx, "mandate.CreateQuote", attribute.Int64("tenant.id", tenantID))
	defer func() { end(err) }()

	if len(req.Lines) == 0 {
		return nil, errs.Validation("a quote needs at least one line")
	}
	var amount int64
	for i, line := range req.Lines {
		if strings.TrimSpace(line.Label) == "" {
			return nil, errs.Validation("quote line %d has no label", i+1)
		}
		if line.Quantity < 1 || line.UnitCents < 0 {
			return nil, errs.Validation("quote line %d must have a positive quantity and a price of zero or more", i+1)
		}
		amount += line.Quantity * line.UnitCents
	}

	err = s.tx.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.liveTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		now := s.now()
		number, err := s.numbers.Allocate(ctx, tx, numbering.FamilyQuote, now)
		if err != nil {
			return err
		}
		qt = &Quote{
			TenantID:    tenantID,
			Number:      number.Formatted,
			Sequence:    number.Sequence,
			AmountCents: amount,
			Lines:       req.Lines,
			CreatedBy:   actor(ctx),
			CreatedAt:   now,
		}
		return insertQuote(ctx, tx, qt)
	})
	if err != nil {
		return nil, err
	}

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"quote":     qt.Number,
	}).Info("quote created")
	return qt, nil
}

// CreateOrder drafts an order, optionally from one of the tenant's quotes
func (s *Service) CreateOrder(ctx context.Context, tenantID int64, req *CreateOrderRequest) (o *Order, err error) {
	ctx, end := observability.StartSpan(ctx, "mandate.CreateOrder", attribute.Int64("tenant.id", tenantID))
	defer func() { end(err) }()

	if req.AmountCents < 0 {
		return nil, errs.Validation("amount must be zero or more")
	}
	for _, line := range req.AddonSnapshot {
		if line.Quantity < 0 {
			return nil, errs.Validation("add-on %s has a negative quantity", line.AddonCode)
		}
		if _, err := s.catalog.AddonByCode(ctx, line.AddonCode); err != nil {
			if errs.IsNotFound(err) {
				return nil, errs.Validation("unknown add-on %q", line.AddonCode)
			}
			return nil, err
		}
	}

	err = s.tx.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.liveTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		amount := req.AmountCents
		if req.QuoteID != nil {
			qt, err := GetQuote(ctx, tx, *req.QuoteID)
			if err != nil {
				return err
			}
			if qt.TenantID != tenantID {
				return errs.NotFound("quote", *req.QuoteID)
			}
			if amount == 0 {
				amount = qt.AmountCents
			}
		}
		if amount == 0 {
			return errs.Validation("an order needs an amount or a quote")
		}

		now := s.now()
		o = &Order{
			TenantID:      tenantID,
			QuoteID:       req.QuoteID,
			Status:        StatusDraft,
			AmountCents:   amount,
			AddonSnapshot: req.AddonSnapshot,
			CreatedBy:     actor(ctx),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := insertOrder(ctx, tx, o); err != nil {
			return err
		}
		return insertActivity(ctx, tx, &Activity{
			OrderID:   o.ID,
			Actor:     o.CreatedBy,
			Action:    ActionCreated,
			ToStatus:  StatusDraft,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.MandateTransition(string(ActionCreated))
	return o, nil
}

// Send marks a draft order as sent to the client
func (s *Service) Send(ctx context.Context, orderID int64) (*Order, error) {
	return s.transition(ctx, orderID, ActionSent, func(ctx context.Context, tx *sql.Tx, o *Order, now time.Time) (string, error) {
		o.SentAt = &now
		return "", nil
	})
}

// AwaitPurchaseOrder records that the client accepted but its purchase order
// reference has not arrived yet
func (s *Service) AwaitPurchaseOrder(ctx context.Context, orderID int64) (*Order, error) {
	return s.transition(ctx, orderID, ActionAwaitingPO, nil)
}

// CapturePurchaseOrder accepts a PENDING_BC order under the client's own
// purchase order reference
func (s *Service) CapturePurchaseOrder(ctx context.Context, orderID int64, req *CapturePurchaseOrderRequest) (*Order, error) {
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		return nil, errs.Validation("purchase order reference is required")
	}
	return s.transition(ctx, orderID, ActionPOCaptured, func(ctx context.Context, tx *sql.Tx, o *Order, now time.Time) (string, error) {
		taken, err := commandeNumberTaken(ctx, tx, ref, o.ID)
		if err != nil {
			return "", err
		}
		if taken {
			return "", errs.Validation("commande number %s is already used by another order", ref)
		}
		o.CommandeNumber = &ref
		o.CommandeSequence = nil
		if path := strings.TrimSpace(req.ScanPath); path != "" {
			o.PurchaseOrderScanPath = &path
		}
		o.ValidatedBy = stringPtr(actor(ctx))
		o.ValidatedAt = &now
		return "reference " + ref, nil
	})
}

// Accept records the client's validation and assigns a BC commande number
// when the order has none
func (s *Service) Accept(ctx context.Context, orderID int64, req *AcceptRequest) (*Order, error) {
	validatedBy := strings.TrimSpace(req.ValidatedBy)
	if validatedBy == "" {
		return nil, errs.Validation("validated_by is required")
	}
	return s.transition(ctx, orderID, ActionAccepted, func(ctx context.Context, tx *sql.Tx, o *Order, now time.Time) (string, error) {
		if o.CommandeNumber == nil {
			number, err := s.numbers.Allocate(ctx, tx, numbering.FamilyOrder, now)
			if err != nil {
				return "", err
			}
			o.CommandeNumber = &number.Formatted
			o.CommandeSequence = &number.Sequence
		}
		o.ValidatedBy = &validatedBy
		o.ValidatedAt = &now
		return "commande " + *o.CommandeNumber, nil
	})
}

// Reject records the client's refusal. Rejection is terminal.
func (s *Service) Reject(ctx context.Context, orderID int64, req *RejectRequest) (*Order, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, errs.Validation("a rejection reason is required")
	}
	return s.transition(ctx, orderID, ActionRejected, func(ctx context.Context, tx *sql.Tx, o *Order, now time.Time) (string, error) {
		o.RejectedAt = &now
		o.RejectionReason = &reason
		return reason, nil
	})
}

// Invoice issues an FA invoice against an accepted order. The order stays
// ACCEPTED; the invoiced total may not exceed the order amount.
func (s *Service) Invoice(ctx context.Context, orderID int64, req *InvoiceRequest) (*Invoice, error) {
	var inv *Invoice
	_, err := s.transition(ctx, orderID, ActionInvoiced, func(ctx context.Context, tx *sql.Tx, o *Order, now time.Time) (string, error) {
		_, invoiced, err := invoiceTotals(ctx, tx, o.ID)
		if err != nil {
			return "", err
		}
		remaining := o.AmountCents - invoiced
		if remaining <= 0 {
			return "", errs.WithHint(errs.InvalidState("mandate order %d is fully invoiced", o.ID),
				"complete the order or issue a credit note")
		}
		amount := remaining
		if req.AmountCents != nil {
			if *req.AmountCents <= 0 {
				return "", errs.Validation("invoice amount must be positive")
			}
			if *req.AmountCents > remaining {
				return "", errs.Validation("invoice amount %d exceeds the %d left to invoice on order %d",
					*req.AmountCents, remaining, o.ID)
			}
			amount = *req.AmountCents
		}

		number, err := s.numbers.Allocate(ctx, tx, numbering.FamilyInvoice, now)
		if err != nil {
			return "", err
		}
		inv = &Invoice{
			TenantID:    o.TenantID,
			OrderID:     o.ID,
			Number:      number.Formatted,
			Sequence:    number.Sequence,
			AmountCents: amount,
			IssuedAt:    now,
		}
		if err := insertInvoice(ctx, tx, inv); err != nil {
			return "", err
		}
		return "invoice " + inv.Number, nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// Complete closes an accepted order once at least one invoice was issued.
// No further invoices can be issued afterwards.
func (s *Service) Complete(ctx context.Context, orderID int64) (*Order, error) {
	return s.transition(ctx, orderID, ActionCompleted, func(ctx context.Context, tx *sql.Tx, o *Order, now time.Time) (string, error) {
		n, _, err := invoiceTotals(ctx, tx, o.ID)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", errs.WithHint(errs.InvalidState("mandate order %d has no invoice", o.ID),
				"issue an invoice before completing the order")
		}
		o.CompletedAt = &now
		return "", nil
	})
}

// IssueCreditNote issues an AV credit note reducing an invoice. The credited
// total of an invoice never exceeds its amount.
func (s *Service) IssueCreditNote(ctx context.Context, invoiceID int64, req *CreditNoteRequest) (cn *CreditNote, err error) {
	ctx, end := observability.StartSpan(ctx, "mandate.IssueCreditNote", attribute.Int64("mandate.invoice_id", invoiceID))
	defer func() { end(err) }()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, errs.Validation("a credit note reason is required")
	}
	if req.AmountCents <= 0 {
		return nil, errs.Validation("credit note amount must be positive")
	}

	err = s.tx.InTx(ctx, func(tx *sql.Tx) error {
		inv, err := getInvoice(ctx, tx, invoiceID, s.tx.Dialect().ForUpdate())
		if err != nil {
			return err
		}
		if inv.IsArchived {
			return errs.InvalidState("mandate invoice %d is archived", invoiceID)
		}
		credited, err := creditedTotal(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if left := inv.AmountCents - credited; req.AmountCents > left {
			return errs.Validation("credit note amount %d exceeds the %d left on invoice %s",
				req.AmountCents, left, inv.Number)
		}

		now := s.now()
		number, err := s.numbers.Allocate(ctx, tx, numbering.FamilyCreditNote, now)
		if err != nil {
			return err
		}
		cn = &CreditNote{
			TenantID:    inv.TenantID,
			InvoiceID:   inv.ID,
			Number:      number.Formatted,
			Sequence:    number.Sequence,
			AmountCents: req.AmountCents,
			Reason:      reason,
			IssuedAt:    now,
		}
		if err := insertCreditNote(ctx, tx, cn); err != nil {
			return err
		}

		o, err := GetOrder(ctx, tx, inv.OrderID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, &Activity{
			OrderID:    o.ID,
			Actor:      actor(ctx),
			Action:     ActionCreditNoteIssued,
			FromStatus: o.Status,
			ToStatus:   o.Status,
			Details:    fmt.Sprintf("credit note %s on invoice %s: %s", cn.Number, inv.Number, reason),
			CreatedAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.MandateTransition(string(ActionCreditNoteIssued))
	return cn, nil
}

// CheckConsistency verifies that an order carries a commande number exactly
// when its status requires one. A violation is logged and reported, never repaired.
func (s *Service) CheckConsistency(ctx context.Context, orderID int64) error {
	o, err := GetOrder(ctx, s.tx.DB(), orderID)
	if err != nil {
		return err
	}
	if err := CheckInvariant(o); err != nil {
		return s.inconsistent(ctx, o, err)
	}
	return nil
}

func (s *Service) inconsistent(ctx context.Context, o *Order, err error) error {
	observability.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
		"tenant_id": o.TenantID,
		"order_id":  o.ID,
		"status":    o.Status,
	}).Error("mandate order violates the commande number invariant")
	return err
}

// mutation applies an action's side effects to o inside tx and returns the
// activity details
type mutation func(ctx context.Context, tx *sql.Tx, o *Order, now time.Time) (string, error)

// transition runs action on an order: it locks the order, checks the move is
// allowed, applies mutate, verifies the commande number invariant and records
// the activity and notification, all in one transaction.
func (s *Service) transition(ctx context.Context, orderID int64, action Action, mutate mutation) (o *Order, err error) {
	ctx, end := observability.StartSpan(ctx, "mandate."+string(action),
		attribute.Int64("mandate.order_id", orderID), attribute.String("mandate.action", string(action)))
	defer func() { end(err) }()

	var from Status
	var pool []int64
	err = s.tx.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		o, err = getOrder(ctx, tx, orderID, s.tx.Dialect().ForUpdate())
		if err != nil {
			return err
		}
		if err := CheckInvariant(o); err != nil {
			return s.inconsistent(ctx, o, err)
		}
		if o.TenantID == 0 {
			return errs.InvalidState("mandate order %d belongs to a deleted tenant", orderID)
		}
		if _, err := s.liveTenant(ctx, tx, o.TenantID); err != nil {
			return err
		}

		from = o.Status
		to, err := Next(from, action)
		if err != nil {
			return err
		}

		now := s.now()
		o.Status = to
		o.UpdatedAt = now
		var details string
		if mutate != nil {
			if details, err = mutate(ctx, tx, o, now); err != nil {
				return err
			}
		}
		if err := CheckInvariant(o); err != nil {
			return s.inconsistent(ctx, o, err)
		}
		if err := updateOrder(ctx, tx, o, from); err != nil {
			return err
		}
		if err := insertActivity(ctx, tx, &Activity{
			OrderID:    o.ID,
			Actor:      actor(ctx),
			Action:     action,
			FromStatus: from,
			ToStatus:   to,
			Details:    details,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, o, action, details, now); err != nil {
			return err
		}

		if countsTowardQuota(from) != countsTowardQuota(to) {
			pool, err = orgs.PoolMemberIDs(ctx, tx, o.TenantID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.MandateTransition(string(action))
	if s.invalidator != nil && len(pool) > 0 {
		s.invalidator.Invalidate(ctx, pool...)
	}
	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"tenant_id": o.TenantID,
		"order_id":  o.ID,
		"action":    action,
		"from":      from,
		"to":        o.Status,
	}).Info("mandate order transitioned")
	return o, nil
}

var notifications = map[Action]outbox.EventType{
	ActionAccepted:   outbox.EventMandateAccepted,
	ActionPOCaptured: outbox.EventMandateAccepted,
	ActionRejected:   outbox.EventMandateRejected,
	ActionInvoiced:   outbox.EventMandateInvoiced,
}

func (s *Service) notify(ctx context.Context, tx *sql.Tx, o *Order, action Action, details string, now time.Time) error {
	eventType, ok := notifications[action]
	if !ok {
		return nil
	}
	payload := map[string]interface{}{
		"order_id":     o.ID,
		"tenant_id":    o.TenantID,
		"status":       o.Status,
		"amount_cents": o.AmountCents,
		"details":      details,
	}
	if o.CommandeNumber != nil {
		payload["commande_number"] = *o.CommandeNumber
	}
	_, err := outbox.Enqueue(ctx, tx, outbox.AggregateMandateOrder, o.ID, eventType, payload, now)
	return err
}

// countsTowardQuota reports whether the add-on snapshot of an order in status
// s is used by the quota resolver
func countsTowardQuota(s Status) bool {
	return s == StatusPendingBC || s == StatusAccepted || s == StatusInvoiced
}
