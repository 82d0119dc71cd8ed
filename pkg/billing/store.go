package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/storage"
)

const changeColumns = `id, tenant_id, change_type, addon_id, from_plan_id, to_plan_id, from_interval, to_interval,
	from_quantity, to_quantity, effective_date, credit_cents, debit_cents, status, requested_by, created_at,
	applied_at, cancelled_at`

func scanChange(row interface{ Scan(...interface{}) error }) (*Change, error) {
	c := &Change{}
	var tenantID sql.NullInt64
	err := row.Scan(&c.ID, &tenantID, &c.Type, &c.AddonID, &c.FromPlanID, &c.ToPlanID, &c.FromInterval,
		&c.ToInterval, &c.FromQuantity, &c.ToQuantity, &c.EffectiveDate, &c.CreditCents, &c.DebitCents,
		&c.Status, &c.RequestedBy, &c.CreatedAt, &c.AppliedAt, &c.CancelledAt)
	if err != nil {
		return nil, err
	}
	// archived with its tenant
	c.TenantID = tenantID.Int64
	return c, nil
}

// GetChange retrieves a billing change through q
func GetChange(ctx context.Context, q storage.Querier, id int64) (*Change, error) {
	return getChange(ctx, q, id, "")
}

func getChange(ctx context.Context, q storage.Querier, id int64, lock string) (*Change, error) {
	c, err := scanChange(q.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM billing_changes WHERE id = $1`+lock, id))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("billing change", id)
	}
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("failed to get billing change: %w", err))
	}
	return c, nil
}

// ListChanges returns a tenant's billing changes, most recent first
func ListChanges(ctx context.Context, q storage.Querier, tenantID int64) ([]*Change, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM billing_changes
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing changes: %w", err)
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func insertChange(ctx context.Context, q storage.Querier, c *Change) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO billing_changes (tenant_id, change_type, addon_id, from_plan_id, to_plan_id, from_interval,
			to_interval, from_quantity, to_quantity, effective_date, credit_cents, debit_cents, status,
			requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`, c.TenantID, c.Type, c.AddonID, c.FromPlanID, c.ToPlanID, c.FromInterval, c.ToInterval, c.FromQuantity,
		c.ToQuantity, c.EffectiveDate, c.CreditCents, c.DebitCents, c.Status, c.RequestedBy, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return storage.Classify(fmt.Errorf("failed to create billing change: %w", err))
	}
	return nil
}

// transition moves a PENDING change to status. It fails when another
// transaction got there first.
func transition(ctx context.Context, q storage.Querier, id int64, status ChangeStatus, column string, at time.Time) error {
	result, err := q.ExecContext(ctx, `UPDATE billing_changes SET status = $1, `+column+` = $2 WHERE id = $3 AND status = $4`,
		status, at, id, StatusPending)
	if err != nil {
		return storage.Classify(fmt.Errorf("failed to update billing change: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return errs.Conflict(fmt.Errorf("billing change %d is no longer pending", id))
	}
	return nil
}

// pendingCount counts PENDING changes of a tenant targeting the same plan slot
// or add-on as c
func pendingCount(ctx context.Context, q storage.Querier, c *Change) (int, error) {
	var (
		n   int
		err error
	)
	if c.Type == ChangeAddon {
		err = q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM billing_changes
			WHERE tenant_id = $1 AND change_type = $2 AND addon_id = $3 AND status = $4
		`, c.TenantID, c.Type, *c.AddonID, StatusPending).Scan(&n)
	} else {
		err = q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM billing_changes
			WHERE tenant_id = $1 AND change_type = $2 AND status = $3
		`, c.TenantID, c.Type, StatusPending).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count pending billing changes: %w", err)
	}
	return n, nil
}

// earlierPending returns the id of a PENDING change of the same tenant that
// must be applied before c, or 0
func earlierPending(ctx context.Context, q storage.Querier, c *Change) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT id FROM billing_changes
		WHERE tenant_id = $1 AND status = $2 AND id <> $3
			AND (effective_date < $4 OR (effective_date = $4 AND id < $3))
		ORDER BY effective_date, id
		LIMIT 1
	`, c.TenantID, StatusPending, c.ID, c.EffectiveDate).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up earlier billing changes: %w", err)
	}
	return id, nil
}

// dueChangeIDs lists PENDING changes due at now in application order
func dueChangeIDs(ctx context.Context, q storage.Querier, now time.Time) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM billing_changes
		WHERE status = $1 AND effective_date <= $2
		ORDER BY tenant_id, effective_date, id
	`, StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due billing changes: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan billing change id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type tenantAddon struct {
	id       int64
	quantity int64
}

// liveAddon returns the tenant's add-on row, or nil when it never bought the add-on
func liveAddon(ctx context.Context, q storage.Querier, tenantID, addonID int64) (*tenantAddon, error) {
	ta := &tenantAddon{}
	err := q.QueryRowContext(ctx, `SELECT id, quantity FROM tenant_addons WHERE tenant_id = $1 AND addon_id = $2`,
		tenantID, addonID).Scan(&ta.id, &ta.quantity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant addon: %w", err)
	}
	return ta, nil
}

func setPendingQuantity(ctx context.Context, q storage.Querier, rowID int64, quantity *int64, effective *time.Time, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE tenant_addons SET pending_quantity = $1, pending_effective_date = $2, updated_at = $3 WHERE id = $4
	`, quantity, effective, now, rowID)
	if err != nil {
		return fmt.Errorf("failed to update pending addon quantity: %w", err)
	}
	return nil
}

func setLiveQuantity(ctx context.Context, q storage.Querier, tenantID, addonID, quantity int64, now time.Time) error {
	current, err := liveAddon(ctx, q, tenantID, addonID)
	if err != nil {
		return err
	}
	if current == nil {
		_, err = q.ExecContext(ctx, `
			INSERT INTO tenant_addons (tenant_id, addon_id, quantity, updated_at) VALUES ($1, $2, $3, $4)
		`, tenantID, addonID, quantity, now)
	} else {
		_, err = q.ExecContext(ctx, `
			UPDATE tenant_addons
			SET quantity = $1, pending_quantity = NULL, pending_effective_date = NULL, updated_at = $2
			WHERE id = $3
		`, quantity, now, current.id)
	}
	if err != nil {
		return fmt.Errorf("failed to set addon quantity: %w", err)
	}
	return nil
}
