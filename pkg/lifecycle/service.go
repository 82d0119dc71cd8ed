package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/commune/pkg/audit"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/orgs"
	"github.com/platinummonkey/commune/pkg/outbox"
	"github.com/platinummonkey/commune/pkg/storage"
)

// Invalidator drops cached quota values of tenants that no longer exist
type Invalidator interface {
	Invalidate(ctx context.Context, tenantIDs ...int64)
}

// Manager runs tenant lifecycle transitions
type Manager struct {
	tx          *storage.TxRunner
	invalidator Invalidator
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewManager creates a lifecycle manager
func NewManager(tx *storage.TxRunner, logger *observability.Logger) *Manager {
	return &Manager{
		tx:     tx,
		logger: observability.OrDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the manager clock
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithMetrics sets the metrics sink
func (m *Manager) WithMetrics(metrics *observability.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithInvalidator sets the quota cache to clear for deleted tenants
func (m *Manager) WithInvalidator(inv Invalidator) *Manager {
	m.invalidator = inv
	return m
}

type move struct {
	name   string
	from   []orgs.LifecycleStatus
	to     orgs.LifecycleStatus
	action audit.Action
	event  outbox.EventType
	reason bool
}

var (
	suspend = move{
		name:   "suspend",
		from:   []orgs.LifecycleStatus{orgs.StatusActive},
		to:     orgs.StatusSuspended,
		action: audit.ActionSuspended,
		event:  outbox.EventTenantSuspended,
		reason: true,
	}
	unsuspend = move{
		name:   "unsuspend",
		from:   []orgs.LifecycleStatus{orgs.StatusSuspended},
		to:     orgs.StatusActive,
		action: audit.ActionUnsuspended,
		event:  outbox.EventTenantUnsuspended,
	}
	archive = move{
		name:   "archive",
		from:   []orgs.LifecycleStatus{orgs.StatusActive, orgs.StatusSuspended},
		to:     orgs.StatusArchived,
		action: audit.ActionArchived,
		event:  outbox.EventTenantArchived,
		reason: true,
	}
)

// History returns the audit trail of a tenant, oldest first
func (m *Manager) History(ctx context.Context, tenantID int64, limit int) ([]*audit.Event, error) {
	return audit.List(ctx, m.tx.DB(), tenantID, limit)
}

// Suspend blocks an ACTIVE tenant. A reason is required.
func (m *Manager) Suspend(ctx context.Context, tenantID int64, req *TransitionRequest) (*orgs.Tenant, error) {
	return m.transition(ctx, tenantID, suspend, req)
}

// Unsuspend reactivates a SUSPENDED tenant
func (m *Manager) Unsuspend(ctx context.Context, tenantID int64, req *TransitionRequest) (*orgs.Tenant, error) {
	return m.transition(ctx, tenantID, unsuspend, req)
}

// Archive closes an ACTIVE or SUSPENDED tenant for good. Children keep their
// own status. A reason is required.
func (m *Manager) Archive(ctx context.Context, tenantID int64, req *TransitionRequest) (*orgs.Tenant, error) {
	return m.transition(ctx, tenantID, archive, req)
}

func (m *Manager) transition(ctx context.Context, tenantID int64, mv move, req *TransitionRequest) (t *orgs.Tenant, err error) {
	ctx, end := observability.StartSpan(ctx, "lifecycle."+mv.name, attribute.Int64("tenant.id", tenantID))
	defer func() { end(err) }()

	reason := ""
	if req != nil {
		reason = strings.TrimSpace(req.Reason)
	}
	if mv.reason && reason == "" {
		return nil, errs.Validation("a reason is required to %s a tenant", mv.name)
	}

	var from orgs.LifecycleStatus
	err = m.tx.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = orgs.GetForUpdate(ctx, tx, m.tx.Dialect(), tenantID)
		if err != nil {
			return err
		}
		from = t.Status
		if !allowed(mv.from, from) {
			return errs.InvalidState("cannot %s tenant %d: it is %s", mv.name, tenantID, from)
		}

		now := m.now()
		actor := observability.GetActor(ctx)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tenants
			SET lifecycle_status = $1, status_reason = $2, status_changed_by = $3, status_changed_at = $4, updated_at = $4
			WHERE id = $5
		`, mv.to, reason, actor, now, tenantID); err != nil {
			return storage.Classify(fmt.Errorf("failed to update tenant status: %w", err))
		}
		t.Status = mv.to
		t.StatusReason = reason
		t.StatusChangedBy = actor
		t.StatusChangedAt = &now
		t.UpdatedAt = now

		if err := audit.Record(ctx, tx, &audit.Event{
			TenantID:   tenantID,
			Actor:      actor,
			Action:     mv.action,
			FromStatus: string(from),
			ToStatus:   string(mv.to),
			Reason:     reason,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		_, err = outbox.Enqueue(ctx, tx, outbox.AggregateTenant, tenantID, mv.event, map[string]interface{}{
			"tenant_id": tenantID,
			"from":      from,
			"to":        mv.to,
			"reason":    reason,
			"actor":     actor,
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.metrics.LifecycleTransition(mv.name)
	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"from":      from,
		"to":        mv.to,
		"reason":    reason,
	}).Info("tenant lifecycle changed")
	return t, nil
}

func allowed(from []orgs.LifecycleStatus, s orgs.LifecycleStatus) bool {
	for _, f := range from {
		if f == s {
			return true
		}
	}
	return false
}

// DeleteArchivedTenant deletes an ARCHIVED tenant and every tenant linked
// beneath it in one transaction. Financial documents are archived before any
// operational row is removed. A link cycle does not abort the deletion: the
// revisited branch is skipped and reported.
func (m *Manager) DeleteArchivedTenant(ctx context.Context, tenantID int64) (report *DeletionReport, err error) {
	ctx, end := observability.StartSpan(ctx, "lifecycle.DeleteArchivedTenant", attribute.Int64("tenant.id", tenantID))
	defer func() { end(err) }()

	logger := observability.FromContext(ctx)
	err = m.tx.InTx(ctx, func(tx *sql.Tx) error {
		report = &DeletionReport{ArchivedDocuments: map[string]int64{}}

		root, err := orgs.GetForUpdate(ctx, tx, m.tx.Dialect(), tenantID)
		if err != nil {
			return err
		}
		if root.Status != orgs.StatusArchived {
			return errs.WithHint(errs.InvalidState("tenant %d is %s, only ARCHIVED tenants can be deleted", tenantID, root.Status),
				"archive the tenant first")
		}

		now := m.now()
		actor := observability.GetActor(ctx)
		// onPath holds the ids on the current descent; done holds ids already
		// deleted through another link, which is not a cycle
		onPath := make(map[int64]bool)
		done := make(map[int64]bool)

		var remove func(id, parent int64) (bool, error)
		remove = func(id, parent int64) (bool, error) {
			if done[id] {
				return true, nil
			}
			if onPath[id] {
				cycleErr := errs.CycleDetected("tenant %d is linked beneath itself through tenant %d", id, parent)
				logger.WithError(cycleErr).WithFields(map[string]interface{}{
					"tenant_id": id,
					"parent_id": parent,
				}).Warn("skipping cyclic branch during tenant deletion")
				report.CycleBranches = append(report.CycleBranches, CycleBranch{ParentID: parent, ChildID: id})
				return false, audit.Record(ctx, tx, &audit.Event{
					TenantID:  id,
					Actor:     actor,
					Action:    audit.ActionDeletionCycleRefuse,
					Reason:    cycleErr.Error(),
					CreatedAt: now,
				})
			}
			onPath[id] = true
			defer delete(onPath, id)

			if id != tenantID {
				if _, err := orgs.GetForUpdate(ctx, tx, m.tx.Dialect(), id); err != nil {
					return false, err
				}
			}
			children, err := orgs.ChildIDs(ctx, tx, id)
			if err != nil {
				return false, err
			}
			for _, child := range children {
				if _, err := remove(child, id); err != nil {
					return false, err
				}
			}

			if err := m.deleteTenant(ctx, tx, id, now, report); err != nil {
				return false, err
			}
			report.Deleted = append(report.Deleted, id)
			done[id] = true

			if err := audit.Record(ctx, tx, &audit.Event{
				TenantID:  id,
				Actor:     actor,
				Action:    audit.ActionDeleted,
				Reason:    fmt.Sprintf("deletion of tenant %d", tenantID),
				CreatedAt: now,
			}); err != nil {
				return false, err
			}
			_, err = outbox.Enqueue(ctx, tx, outbox.AggregateTenant, id, outbox.EventTenantDeleted, map[string]interface{}{
				"tenant_id": id,
				"root_id":   tenantID,
				"actor":     actor,
			}, now)
			return err == nil, err
		}

		_, err = remove(tenantID, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.metrics.LifecycleTransition("delete")
	m.metrics.TenantsDeleted(len(report.Deleted))
	if m.invalidator != nil {
		m.invalidator.Invalidate(ctx, report.Deleted...)
	}
	logger.WithFields(map[string]interface{}{
		"tenant_id":      tenantID,
		"deleted":        len(report.Deleted),
		"cycle_branches": len(report.CycleBranches),
	}).Info("archived tenant deleted")
	return report, nil
}

// deleteTenant removes one tenant row after archiving its financial documents
// and deleting its operational data
func (m *Manager) deleteTenant(ctx context.Context, tx *sql.Tx, id int64, now time.Time, report *DeletionReport) error {
	for _, table := range financialTables {
		res, err := tx.ExecContext(ctx, `
			UPDATE `+table+`
			SET is_archived = TRUE, archived_at = COALESCE(archived_at, $1), tenant_id = NULL
			WHERE tenant_id = $2
		`, now, id)
		if err != nil {
			return storage.Classify(fmt.Errorf("failed to archive %s: %w", table, err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", table, err)
		}
		report.ArchivedDocuments[table] += n
	}

	for _, stmt := range operationalDeletes {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return storage.Classify(fmt.Errorf("failed to delete operational data: %w", err))
		}
	}

	// links left by a cycle branch
	for _, column := range []string{"parent_epci_id", "parent_tenant_id"} {
		if _, err := tx.ExecContext(ctx, `UPDATE tenants SET `+column+` = NULL, updated_at = $1 WHERE `+column+` = $2`,
			now, id); err != nil {
			return storage.Classify(fmt.Errorf("failed to clear %s links: %w", column, err))
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id); err != nil {
		return storage.Classify(fmt.Errorf("failed to delete tenant: %w", err))
	}
	return nil
}
