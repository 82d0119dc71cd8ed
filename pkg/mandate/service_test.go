package mandate_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/mandate"
	"github.com/platinummonkey/commune/pkg/numbering"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/quota"
	"github.com/platinummonkey/commune/pkg/storage"
	"github.com/platinummonkey/commune/pkg/storage/storagetest"
)

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingInvalidator) Invalidate(_ context.Context, ids ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ids...)
}

type env struct {
	db          *sql.DB
	f           *storagetest.Fixtures
	cat         *catalog.Static
	svc         *mandate.Service
	metrics     *observability.Metrics
	invalidator *recordingInvalidator
	ctx         context.Context
	tenant      int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := storagetest.NewDB(t)
	e := &env{
		db:          db,
		f:           storagetest.NewFixtures(t, db),
		metrics:     observability.NewMetrics(prometheus.NewRegistry()),
		invalidator: &recordingInvalidator{},
		ctx:         observability.WithActor(context.Background(), "compta@ville.example"),
	}
	plan := e.f.Plan("basic", 3000, 30000, map[string]int64{"admin_seats": 2})
	e.f.Addon("extra_admin", "admin_seats", 1, 500, 5000)
	e.tenant = e.f.Tenant(storagetest.TenantSpec{Name: "Ville", PlanID: &plan})

	var err error
	e.cat, err = catalog.NewPostgres(db).Snapshot(context.Background())
	require.NoError(t, err)

	now := storagetest.Date(2024, time.March, 11)
	e.svc = mandate.NewService(storagetest.NewTxRunner(db), numbering.NewAllocator(nil, e.metrics), e.cat, observability.Nop()).
		WithClock(func() time.Time { return now }).
		WithMetrics(e.metrics).
		WithInvalidator(e.invalidator)
	return e
}

func (e *env) order(t *testing.T, amount int64, snapshot ...catalog.AddonLine) *mandate.Order {
	t.Helper()
	o, err := e.svc.CreateOrder(e.ctx, e.tenant, &mandate.CreateOrderRequest{AmountCents: amount, AddonSnapshot: snapshot})
	require.NoError(t, err)
	return o
}

func (e *env) sentOrder(t *testing.T, amount int64, snapshot ...catalog.AddonLine) *mandate.Order {
	t.Helper()
	o := e.order(t, amount, snapshot...)
	o, err := e.svc.Send(e.ctx, o.ID)
	require.NoError(t, err)
	return o
}

func actions(t *testing.T, e *env, orderID int64) []mandate.Action {
	t.Helper()
	activities, err := e.svc.Activities(e.ctx, orderID)
	require.NoError(t, err)
	var out []mandate.Action
	for _, a := range activities {
		out = append(out, a.Action)
	}
	return out
}

func TestCreateQuote(t *testing.T) {
	e := newEnv(t)

	qt, err := e.svc.CreateQuote(e.ctx, e.tenant, &mandate.CreateQuoteRequest{Lines: []mandate.QuoteLine{
		{Label: "Abonnement annuel", Quantity: 1, UnitCents: 30000},
		{Label: "Administrateur supplementaire", Quantity: 3, UnitCents: 5000},
	}})
	require.NoError(t, err)
	assert.Equal(t, "DE-2024-00001", qt.Number)
	assert.Equal(t, int64(45000), qt.AmountCents)
	assert.Equal(t, "compta@ville.example", qt.CreatedBy)

	stored, err := mandate.GetQuote(e.ctx, e.db, qt.ID)
	require.NoError(t, err)
	assert.Equal(t, qt.Lines, stored.Lines)

	second, err := e.svc.CreateQuote(e.ctx, e.tenant, &mandate.CreateQuoteRequest{Lines: []mandate.QuoteLine{
		{Label: "Formation", Quantity: 1, UnitCents: 10000},
	}})
	require.NoError(t, err)
	assert.Equal(t, "DE-2024-00002", second.Number)

	_, err = e.svc.CreateQuote(e.ctx, e.tenant, &mandate.CreateQuoteRequest{})
	assert.True(t, errs.IsValidation(err))
	_, err = e.svc.CreateQuote(e.ctx, e.tenant, &mandate.CreateQuoteRequest{Lines: []mandate.QuoteLine{{Label: "x", Quantity: 0}}})
	assert.True(t, errs.IsValidation(err))
	_, err = e.svc.CreateQuote(e.ctx, 999, &mandate.CreateQuoteRequest{Lines: []mandate.QuoteLine{{Label: "x", Quantity: 1}}})
	assert.True(t, errs.IsNotFound(err))
}

func TestCreateOrder(t *testing.T) {
	e := newEnv(t)

	qt, err := e.svc.CreateQuote(e.ctx, e.tenant, &mandate.CreateQuoteRequest{Lines: []mandate.QuoteLine{
		{Label: "Abonnement", Quantity: 1, UnitCents: 30000},
	}})
	require.NoError(t, err)

	o, err := e.svc.CreateOrder(e.ctx, e.tenant, &mandate.CreateOrderRequest{
		QuoteID:       &qt.ID,
		AddonSnapshot: []catalog.AddonLine{{AddonCode: "extra_admin", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusDraft, o.Status)
	assert.Equal(t, int64(30000), o.AmountCents, "amount taken from the quote")
	assert.Nil(t, o.CommandeNumber)

	stored, err := e.svc.GetOrder(e.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, []catalog.AddonLine{{AddonCode: "extra_admin", Quantity: 2}}, stored.AddonSnapshot)
	assert.Equal(t, []mandate.Action{mandate.ActionCreated}, actions(t, e, o.ID))
}

func TestCreateOrder_Validation(t *testing.T) {
	e := newEnv(t)
	other := e.f.Tenant(storagetest.TenantSpec{Name: "Autre"})
	qt, err := e.svc.CreateQuote(e.ctx, other, &mandate.CreateQuoteRequest{Lines: []mandate.QuoteLine{
		{Label: "Abonnement", Quantity: 1, UnitCents: 30000},
	}})
	require.NoError(t, err)

	_, err = e.svc.CreateOrder(e.ctx, e.tenant, &mandate.CreateOrderRequest{})
	assert.True(t, errs.IsValidation(err), "no amount and no quote")

	_, err = e.svc.CreateOrder(e.ctx, e.tenant, &mandate.CreateOrderRequest{QuoteID: &qt.ID})
	assert.True(t, errs.IsNotFound(err), "quote of another tenant")

	_, err = e.svc.CreateOrder(e.ctx, e.tenant, &mandate.CreateOrderRequest{
		AmountCents:   100,
		AddonSnapshot: []catalog.AddonLine{{AddonCode: "unknown", Quantity: 1}},
	})
	assert.True(t, errs.IsValidation(err))

	archived := e.f.Tenant(storagetest.TenantSpec{Status: "ARCHIVED"})
	_, err = e.svc.CreateOrder(e.ctx, archived, &mandate.CreateOrderRequest{AmountCents: 100})
	assert.True(t, errs.IsInvalidState(err))
}

func TestAcceptAllocatesCommandeNumber(t *testing.T) {
	e := newEnv(t)
	o := e.sentOrder(t, 30000)

	accepted, err := e.svc.Accept(e.ctx, o.ID, &mandate.AcceptRequest{ValidatedBy: "Le maire"})
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.CommandeNumber)
	assert.Equal(t, "BC-2024-00001", *accepted.CommandeNumber)
	assert.Equal(t, int64(1), *accepted.CommandeSequence)
	assert.Equal(t, "Le maire", *accepted.ValidatedBy)
	assert.NotNil(t, accepted.ValidatedAt)

	assert.Equal(t, []mandate.Action{mandate.ActionCreated, mandate.ActionSent, mandate.ActionAccepted}, actions(t, e, o.ID))
	assert.Equal(t, 1, e.f.Count("outbox_events", "event_type = 'mandate_order.accepted' AND aggregate_id = $1", o.ID))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.MandateTransitionsTotal.WithLabelValues("accepted")))
	assert.Equal(t, []int64{e.tenant}, e.invalidator.ids)
	assert.NoError(t, e.svc.CheckConsistency(e.ctx, o.ID))

	_, err = e.svc.Accept(e.ctx, o.ID, &mandate.AcceptRequest{ValidatedBy: "Le maire"})
	assert.True(t, errs.IsInvalidState(err))
	assert.Equal(t, 1, e.f.Count("document_sequences", "prefix = 'BC'"))
}

func TestAccept_RequiresValidator(t *testing.T) {
	e := newEnv(t)
	o := e.sentOrder(t, 30000)

	_, err := e.svc.Accept(e.ctx, o.ID, &mandate.AcceptRequest{ValidatedBy: "  "})
	assert.True(t, errs.IsValidation(err))
}

func TestPendingPurchaseOrder(t *testing.T) {
	e := newEnv(t)
	o := e.sentOrder(t, 30000, catalog.AddonLine{AddonCode: "extra_admin", Quantity: 3})

	pending, err := e.svc.AwaitPurchaseOrder(e.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusPendingBC, pending.Status)
	assert.Nil(t, pending.CommandeNumber, "no commande number while the purchase order is outstanding")
	assert.Equal(t, []int64{e.tenant}, e.invalidator.ids, "a PENDING_BC snapshot starts counting")

	// the snapshot already grants the add-on seats
	resolver := quota.NewResolver(e.cat, storage.SingleDB{DB: e.db}, quota.WithLogger(observability.Nop()))
	q, err := resolver.Resolve(e.ctx, e.tenant, catalog.AdminSeats)
	require.NoError(t, err)
	assert.Equal(t, int64(5), q.Allowed)

	_, err = e.svc.CapturePurchaseOrder(e.ctx, o.ID, &mandate.CapturePurchaseOrderRequest{})
	assert.True(t, errs.IsValidation(err))

	captured, err := e.svc.CapturePurchaseOrder(e.ctx, o.ID, &mandate.CapturePurchaseOrderRequest{
		Reference: " MAIRIE-2024-118 ",
		ScanPath:  "purchase-orders/1/bc.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusAccepted, captured.Status)
	assert.Equal(t, "MAIRIE-2024-118", *captured.CommandeNumber)
	assert.Nil(t, captured.CommandeSequence)
	assert.Equal(t, "purchase-orders/1/bc.pdf", *captured.PurchaseOrderScanPath)
	assert.Equal(t, "compta@ville.example", *captured.ValidatedBy)
	assert.Equal(t, 0, e.f.Count("document_sequences", "prefix = 'BC'"), "the client's reference is used as is")
	assert.Equal(t, 1, e.f.Count("outbox_events", "event_type = 'mandate_order.accepted'"))
}

func TestAcceptFromPendingPurchaseOrder(t *testing.T) {
	e := newEnv(t)
	o := e.sentOrder(t, 30000)
	_, err := e.svc.AwaitPurchaseOrder(e.ctx, o.ID)
	require.NoError(t, err)

	accepted, err := e.svc.Accept(e.ctx, o.ID, &mandate.AcceptRequest{ValidatedBy: "DGS"})
	require.NoError(t, err)
	assert.Equal(t, "BC-2024-00001", *accepted.CommandeNumber)
}

func TestCapturePurchaseOrder_ReferenceIsUnique(t *testing.T) {
	e := newEnv(t)
	first := e.sentOrder(t, 30000)
	second := e.sentOrder(t, 10000)
	for _, o := range []*mandate.Order{first, second} {
		_, err := e.svc.AwaitPurchaseOrder(e.ctx, o.ID)
		require.NoError(t, err)
	}

	_, err := e.svc.CapturePurchaseOrder(e.ctx, first.ID, &mandate.CapturePurchaseOrderRequest{Reference: "BC-42"})
	require.NoError(t, err)

	_, err = e.svc.CapturePurchaseOrder(e.ctx, second.ID, &mandate.CapturePurchaseOrderRequest{Reference: "BC-42"})
	assert.True(t, errs.IsValidation(err))

	o, err := e.svc.GetOrder(e.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusPendingBC, o.Status, "refused capture leaves the order untouched")
}

func TestReject(t *testing.T) {
	e := newEnv(t)
	o := e.sentOrder(t, 30000)

	_, err := e.svc.Reject(e.ctx, o.ID, &mandate.RejectRequest{})
	assert.True(t, errs.IsValidation(err))

	rejected, err := e.svc.Reject(e.ctx, o.ID, &mandate.RejectRequest{Reason: "budget non vote"})
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusRejected, rejected.Status)
	assert.Equal(t, "budget non vote", *rejected.RejectionReason)
	assert.NotNil(t, rejected.RejectedAt)
	assert.Nil(t, rejected.CommandeNumber)

	activities, err := e.svc.Activities(e.ctx, o.ID)
	require.NoError(t, err)
	last := activities[len(activities)-1]
	assert.Equal(t, mandate.ActionRejected, last.Action)
	assert.Equal(t, mandate.StatusSent, last.FromStatus)
	assert.Equal(t, mandate.StatusRejected, last.ToStatus)
	assert.Equal(t, "budget non vote", last.Details)
	assert.Equal(t, "compta@ville.example", last.Actor)
	assert.Equal(t, 1, e.f.Count("outbox_events", "event_type = 'mandate_order.rejected'"))

	_, err = e.svc.Accept(e.ctx, o.ID, &mandate.AcceptRequest{ValidatedBy: "DGS"})
	assert.True(t, errs.IsInvalidState(err), "rejection is terminal")
}

func TestRejectOnlyFromSent(t *testing.T) {
	e := newEnv(t)
	draft := e.order(t, 30000)

	_, err := e.svc.Reject(e.ctx, draft.ID, &mandate.RejectRequest{Reason: "x"})
	assert.True(t, errs.IsInvalidState(err))
	assert.Equal(t, []mandate.Action{mandate.ActionCreated}, actions(t, e, draft.ID), "refused transitions leave no activity")
}

func TestInvoiceAndComplete(t *testing.T) {
	e := newEnv(t)
	o := e.sentOrder(t, 30000)
	_, err := e.svc.Accept(e.ctx, o.ID, &mandate.AcceptRequest{ValidatedBy: "DGS"})
	require.NoError(t, err)

	_, err = e.svc.Complete(e.ctx, o.ID)
	assert.True(t, errs.IsInvalidState(err), "nothing invoiced yet")

	first, err := e.svc.Invoice(e.ctx, o.ID, &mandate.InvoiceRequest{AmountCents: storagetest.Int64(10000)})
	require.NoError(t, err)
	assert.Equal(t, "FA-2024-00001", first.Number)
	assert.Equal(t, int64(10000), first.AmountCents)

	_, err = e.svc.Invoice(e.ctx, o.ID, &mandate.InvoiceRequest{AmountCents: storagetest.Int64(25000)})
	assert.True(t, errs.IsValidation(err), "exceeds the order amount")

	rest, err := e.svc.Invoice(e.ctx, o.ID, &mandate.InvoiceRequest{})
	require.NoError(t, err)
	assert.Equal(t, "FA-2024-00002", rest.Number)
	assert.Equal(t, int64(20000), rest.AmountCents)

	_, err = e.svc.Invoice(e.ctx, o.ID, &mandate.InvoiceRequest{})
	assert.True(t, errs.IsInvalidState(err), "fully invoiced")

	current, err := e.svc.GetOrder(e.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusAccepted, current.Status, "invoicing does not move the order")

	invoices, err := mandate.ListInvoices(e.ctx, e.db, o.ID)
	require.NoError(t, err)
	assert.Len(t, invoices, 2)
	assert.Equal(t, 2, e.f.Count("outbox_events", "event_type = 'mandate_order.invoiced'"))

	done, err := e.svc.Complete(e.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusInvoiced, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.NoError(t, e.svc.CheckConsistency(e.ctx, o.ID))

	_, err = e.svc.Invoice(e.ctx, o.ID, &mandate.InvoiceRequest{AmountCents: storagetest.Int64(1)})
	assert.True(t, errs.IsInvalidState(err), "no invoice after completion")

	assert.Equal(t, []mandate.Action{
		mandate.ActionCreated, mandate.ActionSent, mandate.ActionAccepted,
		mandate.ActionInvoiced, mandate.ActionInvoiced, mandate.ActionCompleted,
	}, actions(t, e, o.ID))
}

func TestInvoiceRequiresAcceptedOrder(t *testing.T) {
	e := newEnv(t)
	o := e.sentOrder(t, 30000)
	_, err := e.svc.AwaitPurchaseOrder(e.ctx, o.ID)
	require.NoError(t, err)

	_, err = e.svc.Invoice(e.ctx, o.ID, &mandate.InvoiceRequest{})
	assert.True(t, errs.IsInvalidState(err))
	assert.Equal(t, 0, e.f.Count("mandate_invoices", ""))
	assert.Equal(t, 0, e.f.Count("document_sequences", "prefix = 'FA'"))
}

func TestIssueCreditNote(t *testing.T) {
	e := newEnv(t)
	o := e.sentOrder(t, 30000)
	_, err := e.svc.Accept(e.ctx, o.ID, &mandate.AcceptRequest{ValidatedBy: "DGS"})
	require.NoError(t, err)
	inv, err := e.svc.Invoice(e.ctx, o.ID, &mandate.InvoiceRequest{})
	require.NoError(t, err)

	cn, err := e.svc.IssueCreditNote(e.ctx, inv.ID, &mandate.CreditNoteRequest{AmountCents: 20000, Reason: "geste commercial"})
	require.NoError(t, err)
	assert.Equal(t, "AV-2024-00001", cn.Number)
	assert.Equal(t, e.tenant, cn.TenantID)

	_, err = e.svc.IssueCreditNote(e.ctx, inv.ID, &mandate.CreditNoteRequest{AmountCents: 10001, Reason: "trop"})
	assert.True(t, errs.IsValidation(err), "credited total capped by the invoice amount")

	_, err = e.svc.IssueCreditNote(e.ctx, inv.ID, &mandate.CreditNoteRequest{AmountCents: 10000, Reason: "solde"})
	require.NoError(t, err)

	_, err = e.svc.IssueCreditNote(e.ctx, inv.ID, &mandate.CreditNoteRequest{AmountCents: 100})
	assert.True(t, errs.IsValidation(err), "reason required")
	_, err = e.svc.IssueCreditNote(e.ctx, 999, &mandate.CreditNoteRequest{AmountCents: 100, Reason: "x"})
	assert.True(t, errs.IsNotFound(err))

	notes, err := mandate.ListCreditNotes(e.ctx, e.db, inv.ID)
	require.NoError(t, err)
	assert.Len(t, notes, 2)
	assert.Contains(t, actions(t, e, o.ID), mandate.ActionCreditNoteIssued)
}

func TestCheckConsistency_ReportsViolation(t *testing.T) {
	e := newEnv(t)
	// accepted without a commande number
	id := e.f.MandateOrder(e.tenant, "ACCEPTED", "[]")

	err := e.svc.CheckConsistency(e.ctx, id)
	assert.True(t, errs.IsConsistencyViolation(err))

	_, err = e.svc.Invoice(e.ctx, id, &mandate.InvoiceRequest{})
	assert.True(t, errs.IsConsistencyViolation(err), "transitions refuse an inconsistent order")
	assert.Equal(t, 0, e.f.Count("mandate_invoices", ""))

	o, err := e.svc.GetOrder(e.ctx, id)
	require.NoError(t, err)
	assert.Nil(t, o.CommandeNumber, "never repaired")
}

func TestConcurrentAcceptsIssueOneNumber(t *testing.T) {
	e := newEnv(t)
	o := e.sentOrder(t, 30000)

	const callers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Accept(e.ctx, o.ID, &mandate.AcceptRequest{ValidatedBy: "DGS"})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, errs.IsInvalidState(err), "got %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, e.f.Count("mandate_activities", "mandate_order_id = $1 AND action = 'accepted'", o.ID))
	assert.NoError(t, e.svc.CheckConsistency(e.ctx, o.ID))
}

func TestTransitionsRefusedForArchivedTenant(t *testing.T) {
	e := newEnv(t)
	o := e.sentOrder(t, 30000)
	_, err := e.db.Exec(`UPDATE tenants SET lifecycle_status = 'ARCHIVED' WHERE id = $1`, e.tenant)
	require.NoError(t, err)

	_, err = e.svc.Accept(e.ctx, o.ID, &mandate.AcceptRequest{ValidatedBy: "DGS"})
	assert.True(t, errs.IsInvalidState(err))
}
