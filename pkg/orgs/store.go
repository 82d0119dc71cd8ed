package orgs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/storage"
)

const tenantColumns = `id, name, tenant_type, parent_epci_id, parent_tenant_id, plan_id, billing_interval,
	current_period_start, current_period_end, is_free, lifecycle_status, status_reason, status_changed_by,
	status_changed_at, legacy_extra_sub_organizations, legacy_extra_admin_seats, legacy_events_module,
	legacy_voting_module, created_at, updated_at`

func scanTenant(row interface{ Scan(...interface{}) error }) (*Tenant, error) {
	t := &Tenant{}
	err := row.Scan(&t.ID, &t.Name, &t.Type, &t.ParentEPCIID, &t.ParentTenantID, &t.PlanID, &t.Interval,
		&t.CurrentPeriodStart, &t.CurrentPeriodEnd, &t.IsFree, &t.Status, &t.StatusReason, &t.StatusChangedBy,
		&t.StatusChangedAt, &t.LegacyExtraSubOrganizations, &t.LegacyExtraAdminSeats, &t.LegacyEventsModule,
		&t.LegacyVotingModule, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Get retrieves a tenant through q
func Get(ctx context.Context, q storage.Querier, id int64) (*Tenant, error) {
	t, err := scanTenant(q.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("tenant", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// GetForUpdate retrieves a tenant and locks its row until the transaction ends
func GetForUpdate(ctx context.Context, q storage.Querier, dialect storage.Dialect, id int64) (*Tenant, error) {
	t, err := scanTenant(q.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`+dialect.ForUpdate(), id))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("tenant", id)
	}
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("failed to lock tenant: %w", err))
	}
	return t, nil
}

// PoolMemberIDs returns the tenant and every commune it funds
func PoolMemberIDs(ctx context.Context, q storage.Querier, tenantID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM tenants WHERE id = $1 OR parent_epci_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pool member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChildIDs returns the tenants attached to id through either parent link
func ChildIDs(ctx context.Context, q storage.Querier, id int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM tenants
		WHERE parent_epci_id = $1 OR parent_tenant_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list child tenants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var child int64
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("failed to scan child tenant: %w", err)
		}
		ids = append(ids, child)
	}
	return ids, rows.Err()
}

// parentIDs returns the ids a tenant links to, in link order
func parentIDs(ctx context.Context, q storage.Querier, id int64) ([]int64, error) {
	var epci, owner sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT parent_epci_id, parent_tenant_id FROM tenants WHERE id = $1`, id).Scan(&epci, &owner)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parent links: %w", err)
	}
	var ids []int64
	if epci.Valid {
		ids = append(ids, epci.Int64)
	}
	if owner.Valid {
		ids = append(ids, owner.Int64)
	}
	return ids, nil
}

// wouldCycle reports whether linking child under parent makes child its own ancestor
func wouldCycle(ctx context.Context, q storage.Querier, child, parent int64) (bool, error) {
	visited := map[int64]bool{}
	queue := []int64{parent}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == child {
			return true, nil
		}
		if visited[id] {
			continue
		}
		visited[id] = true

		parents, err := parentIDs(ctx, q, id)
		if err != nil {
			return false, err
		}
		queue = append(queue, parents...)
	}
	return false, nil
}

func insertTenant(ctx context.Context, q storage.Querier, t *Tenant) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO tenants (name, tenant_type, parent_epci_id, parent_tenant_id, plan_id, billing_interval,
			current_period_start, current_period_end, is_free, lifecycle_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, t.Name, t.Type, t.ParentEPCIID, t.ParentTenantID, t.PlanID, t.Interval,
		t.CurrentPeriodStart, t.CurrentPeriodEnd, t.IsFree, t.Status, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func insertUser(ctx context.Context, q storage.Querier, u *User) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO tenant_users (tenant_id, email, role, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, u.TenantID, u.Email, u.Role, u.CreatedAt).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}
	return nil
}

// ListUsers returns the users of a tenant
func ListUsers(ctx context.Context, q storage.Querier, tenantID int64) ([]*User, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tenant_id, email, role, created_at
		FROM tenant_users
		WHERE tenant_id = $1
		ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.TenantID, &u.Email, &u.Role, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
