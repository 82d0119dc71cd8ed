package mandate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/storage"
)

type scanner interface{ Scan(...interface{}) error }

const quoteColumns = `id, tenant_id, number, sequence, amount_cents, lines, created_by, created_at`

func scanQuote(row scanner) (*Quote, error) {
	qt := &Quote{}
	var (
		tenantID sql.NullInt64
		lines    string
	)
	if err := row.Scan(&qt.ID, &tenantID, &qt.Number, &qt.Sequence, &qt.AmountCents, &lines, &qt.CreatedBy,
		&qt.CreatedAt); err != nil {
		return nil, err
	}
	qt.TenantID = tenantID.Int64
	if lines != "" {
		if err := json.Unmarshal([]byte(lines), &qt.Lines); err != nil {
			return nil, errs.ConsistencyViolation("quote %d has unreadable lines: %v", qt.ID, err)
		}
	}
	return qt, nil
}

// GetQuote retrieves a quote through q
func GetQuote(ctx context.Context, q storage.Querier, id int64) (*Quote, error) {
	qt, err := scanQuote(q.QueryRowContext(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("quote", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	return qt, nil
}

func insertQuote(ctx context.Context, q storage.Querier, qt *Quote) error {
	lines, err := json.Marshal(qt.Lines)
	if err != nil {
		return fmt.Errorf("failed to marshal quote lines: %w", err)
	}
	err = q.QueryRowContext(ctx, `
		INSERT INTO quotes (tenant_id, number, sequence, amount_cents, lines, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, qt.TenantID, qt.Number, qt.Sequence, qt.AmountCents, string(lines), qt.CreatedBy, qt.CreatedAt).Scan(&qt.ID)
	if err != nil {
		return storage.Classify(fmt.Errorf("failed to insert quote: %w", err))
	}
	return nil
}

const orderColumns = `id, tenant_id, quote_id, status, amount_cents, addon_snapshot, commande_number,
	commande_sequence, purchase_order_scan_path, sent_at, validated_by, validated_at, rejected_at,
	rejection_reason, completed_at, created_by, created_at, updated_at`

func scanOrder(row scanner) (*Order, error) {
	o := &Order{}
	var (
		tenantID sql.NullInt64
		snapshot sql.NullString
	)
	err := row.Scan(&o.ID, &tenantID, &o.QuoteID, &o.Status, &o.AmountCents, &snapshot, &o.CommandeNumber,
		&o.CommandeSequence, &o.PurchaseOrderScanPath, &o.SentAt, &o.ValidatedBy, &o.ValidatedAt, &o.RejectedAt,
		&o.RejectionReason, &o.CompletedAt, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.TenantID = tenantID.Int64
	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &o.AddonSnapshot); err != nil {
			return nil, errs.ConsistencyViolation("mandate order %d has an unreadable addon snapshot: %v", o.ID, err)
		}
	}
	return o, nil
}

// GetOrder retrieves a mandate order through q
func GetOrder(ctx context.Context, q storage.Querier, id int64) (*Order, error) {
	return getOrder(ctx, q, id, "")
}

func getOrder(ctx context.Context, q storage.Querier, id int64, lock string) (*Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM mandate_orders WHERE id = $1`+lock, id))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("mandate order", id)
	}
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("failed to get mandate order: %w", err))
	}
	return o, nil
}

// ListOrders returns a tenant's mandate orders, most recent first
func ListOrders(ctx context.Context, q storage.Querier, tenantID int64) ([]*Order, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM mandate_orders
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mandate orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mandate order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func marshalSnapshot(lines []catalog.AddonLine) (string, error) {
	if lines == nil {
		lines = []catalog.AddonLine{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("failed to marshal addon snapshot: %w", err)
	}
	return string(data), nil
}

func insertOrder(ctx context.Context, q storage.Querier, o *Order) error {
	snapshot, err := marshalSnapshot(o.AddonSnapshot)
	if err != nil {
		return err
	}
	err = q.QueryRowContext(ctx, `
		INSERT INTO mandate_orders (tenant_id, quote_id, status, amount_cents, addon_snapshot, created_by,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, o.TenantID, o.QuoteID, o.Status, o.AmountCents, snapshot, o.CreatedBy, o.CreatedAt, o.UpdatedAt).Scan(&o.ID)
	if err != nil {
		return storage.Classify(fmt.Errorf("failed to insert mandate order: %w", err))
	}
	return nil
}

// updateOrder writes the mutable columns of o, provided the stored status is
// still from. A lost race returns errs.ErrConcurrencyConflict.
func updateOrder(ctx context.Context, q storage.Querier, o *Order, from Status) error {
	res, err := q.ExecContext(ctx, `
		UPDATE mandate_orders
		SET status = $1, commande_number = $2, commande_sequence = $3, purchase_order_scan_path = $4,
			sent_at = $5, validated_by = $6, validated_at = $7, rejected_at = $8, rejection_reason = $9,
			completed_at = $10, updated_at = $11
		WHERE id = $12 AND status = $13
	`, o.Status, o.CommandeNumber, o.CommandeSequence, o.PurchaseOrderScanPath, o.SentAt, o.ValidatedBy,
		o.ValidatedAt, o.RejectedAt, o.RejectionReason, o.CompletedAt, o.UpdatedAt, o.ID, from)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return errs.Validation("commande number %s is already used by another order", deref(o.CommandeNumber))
		}
		return storage.Classify(fmt.Errorf("failed to update mandate order: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update mandate order: %w", err)
	}
	if n != 1 {
		return errs.Conflict(fmt.Errorf("mandate order %d is no longer %s", o.ID, from))
	}
	return nil
}

func commandeNumberTaken(ctx context.Context, q storage.Querier, number string, orderID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM mandate_orders WHERE commande_number = $1 AND id <> $2`,
		number, orderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up commande number: %w", err)
	}
	return n > 0, nil
}

func insertActivity(ctx context.Context, q storage.Querier, a *Activity) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO mandate_activities (mandate_order_id, actor, action, from_status, to_status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, a.OrderID, a.Actor, a.Action, a.FromStatus, a.ToStatus, a.Details, a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to record mandate activity: %w", err)
	}
	return nil
}

// ListActivities returns an order's history, oldest first
func ListActivities(ctx context.Context, q storage.Querier, orderID int64) ([]*Activity, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, mandate_order_id, actor, action, from_status, to_status, details, created_at
		FROM mandate_activities
		WHERE mandate_order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mandate activities: %w", err)
	}
	defer rows.Close()

	var activities []*Activity
	for rows.Next() {
		a := &Activity{}
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Actor, &a.Action, &a.FromStatus, &a.ToStatus, &a.Details,
			&a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mandate activity: %w", err)
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

const invoiceColumns = `id, tenant_id, mandate_order_id, number, sequence, amount_cents, issued_at, is_archived`

func scanInvoice(row scanner) (*Invoice, error) {
	inv := &Invoice{}
	var tenantID sql.NullInt64
	if err := row.Scan(&inv.ID, &tenantID, &inv.OrderID, &inv.Number, &inv.Sequence, &inv.AmountCents,
		&inv.IssuedAt, &inv.IsArchived); err != nil {
		return nil, err
	}
	inv.TenantID = tenantID.Int64
	return inv, nil
}

// GetInvoice retrieves a mandate invoice through q
func GetInvoice(ctx context.Context, q storage.Querier, id int64) (*Invoice, error) {
	return getInvoice(ctx, q, id, "")
}

func getInvoice(ctx context.Context, q storage.Querier, id int64, lock string) (*Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM mandate_invoices WHERE id = $1`+lock, id))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("mandate invoice", id)
	}
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("failed to get mandate invoice: %w", err))
	}
	return inv, nil
}

// ListInvoices returns the invoices issued against an order, oldest first
func ListInvoices(ctx context.Context, q storage.Querier, orderID int64) ([]*Invoice, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM mandate_invoices
		WHERE mandate_order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mandate invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mandate invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func insertInvoice(ctx context.Context, q storage.Querier, inv *Invoice) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO mandate_invoices (tenant_id, mandate_order_id, number, sequence, amount_cents, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, inv.TenantID, inv.OrderID, inv.Number, inv.Sequence, inv.AmountCents, inv.IssuedAt).Scan(&inv.ID)
	if err != nil {
		return storage.Classify(fmt.Errorf("failed to insert mandate invoice: %w", err))
	}
	return nil
}

// invoiceTotals returns how many invoices an order has and their summed amount
func invoiceTotals(ctx context.Context, q storage.Querier, orderID int64) (int, int64, error) {
	var (
		n     int
		total int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount_cents), 0) FROM mandate_invoices WHERE mandate_order_id = $1
	`, orderID).Scan(&n, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to total mandate invoices: %w", err)
	}
	return n, total, nil
}

func creditedTotal(ctx context.Context, q storage.Querier, invoiceID int64) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM credit_notes WHERE mandate_invoice_id = $1
	`, invoiceID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to total credit notes: %w", err)
	}
	return total, nil
}

func insertCreditNote(ctx context.Context, q storage.Querier, cn *CreditNote) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO credit_notes (tenant_id, mandate_invoice_id, number, sequence, amount_cents, reason, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, cn.TenantID, cn.InvoiceID, cn.Number, cn.Sequence, cn.AmountCents, cn.Reason, cn.IssuedAt).Scan(&cn.ID)
	if err != nil {
		return storage.Classify(fmt.Errorf("failed to insert credit note: %w", err))
	}
	return nil
}

// ListCreditNotes returns the credit notes of an invoice, oldest first
func ListCreditNotes(ctx context.Context, q storage.Querier, invoiceID int64) ([]*CreditNote, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tenant_id, mandate_invoice_id, number, sequence, amount_cents, reason, issued_at
		FROM credit_notes
		WHERE mandate_invoice_id = $1
		ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit notes: %w", err)
	}
	defer rows.Close()

	var notes []*CreditNote
	for rows.Next() {
		cn := &CreditNote{}
		var tenantID sql.NullInt64
		if err := rows.Scan(&cn.ID, &tenantID, &cn.InvoiceID, &cn.Number, &cn.Sequence, &cn.AmountCents,
			&cn.Reason, &cn.IssuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit note: %w", err)
		}
		cn.TenantID = tenantID.Int64
		notes = append(notes, cn)
	}
	return notes, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stringPtr(s string) *string {
	return &s
}
