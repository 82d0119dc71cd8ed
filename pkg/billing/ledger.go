package billing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/storage"
)

const entryColumns = `id, tenant_id, billing_change_id, entry_type, amount_cents, description, applied_to_invoice,
	invoice_ref, applied_at, created_at`

func scanEntry(row interface{ Scan(...interface{}) error }) (*LedgerEntry, error) {
	e := &LedgerEntry{}
	var tenantID sql.NullInt64
	err := row.Scan(&e.ID, &tenantID, &e.BillingChangeID, &e.Type, &e.AmountCents, &e.Description,
		&e.AppliedToInvoice, &e.InvoiceRef, &e.AppliedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.TenantID = tenantID.Int64
	return e, nil
}

func insertEntry(ctx context.Context, q storage.Querier, e *LedgerEntry) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (tenant_id, billing_change_id, entry_type, amount_cents, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, e.TenantID, e.BillingChangeID, e.Type, e.AmountCents, e.Description, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return nil
}

// entriesFor builds the ledger entries an applied change produces. Zero
// amounts produce no entry.
func entriesFor(c *Change, now time.Time) []*LedgerEntry {
	var entries []*LedgerEntry
	id := c.ID
	what := "plan"
	if c.Type == ChangeAddon {
		what = "add-on"
	}
	if c.CreditCents > 0 {
		entries = append(entries, &LedgerEntry{
			TenantID:        c.TenantID,
			BillingChangeID: &id,
			Type:            EntryCredit,
			AmountCents:     c.CreditCents,
			Description:     fmt.Sprintf("Unused %s time from %s", what, c.EffectiveDate.Format(time.DateOnly)),
			CreatedAt:       now,
		})
	}
	if c.DebitCents > 0 {
		entries = append(entries, &LedgerEntry{
			TenantID:        c.TenantID,
			BillingChangeID: &id,
			Type:            EntryDebit,
			AmountCents:     c.DebitCents,
			Description:     fmt.Sprintf("Remaining %s time from %s", what, c.EffectiveDate.Format(time.DateOnly)),
			CreatedAt:       now,
		})
	}
	return entries
}

// LedgerBalance sums the tenant's entries not yet consumed by an invoice
func (s *Service) LedgerBalance(ctx context.Context, tenantID int64) (*Balance, error) {
	return LedgerBalance(ctx, s.tx.DB(), tenantID)
}

// LedgerBalance sums the tenant's unapplied entries through q
func LedgerBalance(ctx context.Context, q storage.Querier, tenantID int64) (*Balance, error) {
	b := &Balance{TenantID: tenantID}
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN entry_type = 'CREDIT' THEN amount_cents ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN entry_type = 'DEBIT' THEN amount_cents ELSE 0 END), 0),
			COUNT(*)
		FROM ledger_entries
		WHERE tenant_id = $1 AND applied_to_invoice = $2
	`, tenantID, false).Scan(&b.CreditCents, &b.DebitCents, &b.Entries)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ledger balance: %w", err)
	}
	b.BalanceCents = b.CreditCents - b.DebitCents
	return b, nil
}

// UnappliedEntries returns the tenant's entries awaiting an invoice, oldest first
func (s *Service) UnappliedEntries(ctx context.Context, tenantID int64) ([]*LedgerEntry, error) {
	rows, err := s.tx.DB().QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE tenant_id = $1 AND applied_to_invoice = $2
		ORDER BY created_at, id
	`, tenantID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkEntriesApplied records that an invoice consumed the given entries. Every
// entry must belong to the tenant and still be unapplied, otherwise nothing is
// marked.
func (s *Service) MarkEntriesApplied(ctx context.Context, tenantID int64, req *ConsumeRequest) ([]*LedgerEntry, error) {
	ref := strings.TrimSpace(req.InvoiceRef)
	if ref == "" {
		return nil, errs.Validation("invoice reference is required")
	}
	if len(req.EntryIDs) == 0 {
		return nil, errs.Validation("at least one ledger entry is required")
	}

	var entries []*LedgerEntry
	err := s.tx.InTx(ctx, func(tx *sql.Tx) error {
		entries = entries[:0]
		now := s.now()
		seen := make(map[int64]bool, len(req.EntryIDs))
		for _, id := range req.EntryIDs {
			if seen[id] {
				continue
			}
			seen[id] = true

			e, err := scanEntry(tx.QueryRowContext(ctx,
				`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`+s.tx.Dialect().ForUpdate(), id))
			if err == sql.ErrNoRows {
				return errs.NotFound("ledger entry", id)
			}
			if err != nil {
				return storage.Classify(fmt.Errorf("failed to get ledger entry: %w", err))
			}
			if e.TenantID != tenantID {
				return errs.NotFound("ledger entry", id)
			}
			if e.AppliedToInvoice {
				return errs.InvalidState("ledger entry %d was already applied to %s", id, derefString(e.InvoiceRef))
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE ledger_entries SET applied_to_invoice = $1, invoice_ref = $2, applied_at = $3 WHERE id = $4
			`, true, ref, now, id); err != nil {
				return fmt.Errorf("failed to mark ledger entry applied: %w", err)
			}
			e.AppliedToInvoice = true
			e.InvoiceRef = &ref
			e.AppliedAt = &now
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
