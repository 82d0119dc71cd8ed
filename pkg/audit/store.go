package audit

import (
	"context"
	"fmt"

	"github.com/platinummonkey/commune/pkg/storage"
)

// Record appends an event through q, normally the transaction that made the change
func Record(ctx context.Context, q storage.Querier, event *Event) error {
	if event.Actor == "" {
		event.Actor = "system"
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO audit_events (tenant_id, actor, action, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, event.TenantID, event.Actor, event.Action, event.FromStatus, event.ToStatus, event.Reason,
		event.CreatedAt).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// List returns a tenant's events, oldest first. limit <= 0 returns all of them.
func List(ctx context.Context, q storage.Querier, tenantID int64, limit int) ([]*Event, error) {
	query := `
		SELECT id, tenant_id, actor, action, from_status, to_status, reason, created_at
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY id
	`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Actor, &e.Action, &e.FromStatus, &e.ToStatus,
			&e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
