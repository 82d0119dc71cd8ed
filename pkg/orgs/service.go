package orgs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/commune/pkg/audit"
	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/storage"
)

// Service manages tenants and their administrators
type Service struct {
	tx     *storage.TxRunner
	quota       QuotaChecker
	invalidator Invalidator
	logger      *observability.Logger
	now         func() time.Time
}

// NewService creates a tenant service. quota is consulted inside the
// transaction of every operation that consumes a constrained resource.
func NewService(tx *storage.TxRunner, quota QuotaChecker, logger *observability.Logger) *Service {
	return &Service{
		tx:     tx,
		quota:  quota,
		logger: observability.OrDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithInvalidator sets the quota cache to invalidate after a pool's allowance
// or usage changed
func (s *Service) WithInvalidator(inv Invalidator) *Service {
	s.invalidator = inv
	return s
}

// invalidate runs after commit with the members of every touched pool
func (s *Service) invalidate(ctx context.Context, ids []int64) {
	if s.invalidator != nil && len(ids) > 0 {
		s.invalidator.Invalidate(ctx, ids...)
	}
}

// poolsOf returns the members of the pools funded by owners, deduplicated
func poolsOf(ctx context.Context, q storage.Querier, owners ...int64) ([]int64, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, owner := range owners {
		members, err := PoolMemberIDs(ctx, q, owner)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// GetTenant retrieves a tenant
func (s *Service) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	return Get(ctx, s.tx.DB(), id)
}

// CreateTenant signs up a new tenant. A tenant with a plan starts its first
// billing period now.
func (s *Service) CreateTenant(ctx context.Context, req *CreateTenantRequest) (*Tenant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errs.Validation("tenant name is required")
	}
	if !req.Type.Valid() {
		return nil, errs.Validation("unknown tenant type %q", req.Type)
	}
	interval := req.Interval
	if interval == "" {
		interval = catalog.IntervalMonthly
	}
	if !interval.Valid() {
		return nil, errs.Validation("unknown billing interval %q", interval)
	}

	now := s.now()
	t := &Tenant{
		Name:         name,
		Type:         req.Type,
		ParentEPCIID: req.ParentEPCIID,
		PlanID:       req.PlanID,
		Interval:     interval,
		IsFree:       req.IsFree,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.PlanID != nil {
		start, end := FirstPeriod(now, interval)
		t.CurrentPeriodStart, t.CurrentPeriodEnd = &start, &end
	}

	err := s.tx.InTx(ctx, func(tx *sql.Tx) error {
		if t.ParentEPCIID != nil {
			if err := s.validateEPCIParent(ctx, tx, 0, t.Type, *t.ParentEPCIID); err != nil {
				return err
			}
		}
		if err := insertTenant(ctx, tx, t); err != nil {
			return err
		}
		return audit.Record(ctx, tx, &audit.Event{
			TenantID:  t.ID,
			Actor:     observability.GetActor(ctx),
			Action:    audit.ActionTenantCreated,
			ToStatus:  string(StatusActive),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"tenant_id":   t.ID,
		"tenant_type": t.Type,
	}).Info("tenant created")
	return t, nil
}

// FirstPeriod returns the billing period starting at the day of now
func FirstPeriod(now time.Time, interval catalog.BillingInterval) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if interval == catalog.IntervalYearly {
		return start, start.AddDate(1, 0, 0)
	}
	return start, start.AddDate(0, 1, 0)
}

// validateEPCIParent checks that epciID may fund tenantID. tenantID is 0 for a
// tenant not yet inserted.
func (s *Service) validateEPCIParent(ctx context.Context, q storage.Querier, tenantID int64, tenantType TenantType, epciID int64) error {
	if tenantType == TypeEPCI {
		return errs.Validation("an EPCI cannot be attached to another EPCI")
	}
	if epciID == tenantID {
		return errs.Validation("tenant %d cannot be its own EPCI", tenantID)
	}

	parent, err := Get(ctx, q, epciID)
	if err != nil {
		return err
	}
	if parent.Type != TypeEPCI {
		return errs.Validation("tenant %d is a %s, not an EPCI", epciID, parent.Type)
	}
	if parent.Status == StatusArchived {
		return errs.InvalidState("EPCI %d is archived", epciID)
	}

	if tenantID != 0 {
		cycle, err := wouldCycle(ctx, q, tenantID, epciID)
		if err != nil {
			return err
		}
		if cycle {
			return errs.WithHint(errs.Validation("attaching tenant %d to %d creates a cycle", tenantID, epciID),
				"parent links must form a tree")
		}
	}
	return nil
}

// AttachToEPCI makes epciID the quota pool owner of tenantID
func (s *Service) AttachToEPCI(ctx context.Context, tenantID, epciID int64) (*Tenant, error) {
	var t *Tenant
	var touched []int64
	err := s.tx.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = GetForUpdate(ctx, tx, s.tx.Dialect(), tenantID)
		if err != nil {
			return err
		}
		if t.Status == StatusArchived {
			return errs.InvalidState("tenant %d is archived", tenantID)
		}
		if err := s.validateEPCIParent(ctx, tx, tenantID, t.Type, epciID); err != nil {
			return err
		}

		previous := t.PoolOwnerID()
		now := s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE tenants SET parent_epci_id = $1, updated_at = $2 WHERE id = $3`,
			epciID, now, tenantID); err != nil {
			return fmt.Errorf("failed to attach tenant: %w", err)
		}
		t.ParentEPCIID = &epciID
		if touched, err = poolsOf(ctx, tx, previous, epciID); err != nil {
			return err
		}
		t.UpdatedAt = now
		return audit.Record(ctx, tx, &audit.Event{
			TenantID:  tenantID,
			Actor:     observability.GetActor(ctx),
			Action:    audit.ActionEPCIAttached,
			Reason:    fmt.Sprintf("epci %d", epciID),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, touched)
	return t, nil
}

// DetachFromEPCI clears tenantID's EPCI link. The tenant falls back to its own plan.
func (s *Service) DetachFromEPCI(ctx context.Context, tenantID int64) (*Tenant, error) {
	var t *Tenant
	var touched []int64
	err := s.tx.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = GetForUpdate(ctx, tx, s.tx.Dialect(), tenantID)
		if err != nil {
			return err
		}
		if t.ParentEPCIID == nil {
			return errs.InvalidState("tenant %d is not attached to an EPCI", tenantID)
		}

		now := s.now()
		previous := *t.ParentEPCIID
		if _, err := tx.ExecContext(ctx, `UPDATE tenants SET parent_epci_id = NULL, updated_at = $1 WHERE id = $2`,
			now, tenantID); err != nil {
			return fmt.Errorf("failed to detach tenant: %w", err)
		}
		t.ParentEPCIID = nil
		if touched, err = poolsOf(ctx, tx, previous, tenantID); err != nil {
			return err
		}
		t.UpdatedAt = now
		return audit.Record(ctx, tx, &audit.Event{
			TenantID:  tenantID,
			Actor:     observability.GetActor(ctx),
			Action:    audit.ActionEPCIDetached,
			Reason:    fmt.Sprintf("epci %d", previous),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, touched)
	return t, nil
}

// lockForConsumption locks the tenant and its pool owner, in that order, and
// refuses tenants that may not grow.
func (s *Service) lockForConsumption(ctx context.Context, tx *sql.Tx, tenantID int64) (*Tenant, error) {
	t, err := GetForUpdate(ctx, tx, s.tx.Dialect(), tenantID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusActive {
		return nil, errs.InvalidState("tenant %d is %s", tenantID, t.Status)
	}
	if owner := t.PoolOwnerID(); owner != t.ID {
		if _, err := GetForUpdate(ctx, tx, s.tx.Dialect(), owner); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// CreateSubOrganization creates an association owned by ownerID, if the
// owner's sub-organization allowance has room.
func (s *Service) CreateSubOrganization(ctx context.Context, ownerID int64, req *CreateSubOrganizationRequest) (*Tenant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errs.Validation("sub-organization name is required")
	}

	var sub *Tenant
	var touched []int64
	err := s.tx.InTx(ctx, func(tx *sql.Tx) error {
		owner, err := s.lockForConsumption(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		if touched, err = poolsOf(ctx, tx, owner.PoolOwnerID()); err != nil {
			return err
		}
		if err := s.quota.Check(ctx, tx, ownerID, catalog.SubOrganizations); err != nil {
			return err
		}

		now := s.now()
		sub = &Tenant{
			Name:           name,
			Type:           TypeAssociation,
			ParentTenantID: &ownerID,
			Interval:       catalog.IntervalMonthly,
			IsFree:         true,
			Status:         StatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := insertTenant(ctx, tx, sub); err != nil {
			return err
		}
		return audit.Record(ctx, tx, &audit.Event{
			TenantID:  ownerID,
			Actor:     observability.GetActor(ctx),
			Action:    audit.ActionSubOrganizationAdd,
			Reason:    fmt.Sprintf("tenant %d", sub.ID),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, touched)
	return sub, nil
}

// AddAdmin grants administrator access to email, if an admin seat is free
func (s *Service) AddAdmin(ctx context.Context, tenantID int64, req *AddAdminRequest) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !strings.Contains(email, "@") {
		return nil, errs.Validation("invalid email %q", req.Email)
	}

	var u *User
	var touched []int64
	err := s.tx.InTx(ctx, func(tx *sql.Tx) error {
		t, err := s.lockForConsumption(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if touched, err = poolsOf(ctx, tx, t.PoolOwnerID()); err != nil {
			return err
		}

		var existing int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenant_users WHERE tenant_id = $1 AND email = $2`,
			tenantID, email).Scan(&existing); err != nil {
			return fmt.Errorf("failed to check existing user: %w", err)
		}
		if existing > 0 {
			return errs.Validation("%s already has access to tenant %d", email, tenantID)
		}

		if err := s.quota.Check(ctx, tx, tenantID, catalog.AdminSeats); err != nil {
			return err
		}

		now := s.now()
		u = &User{TenantID: tenantID, Email: email, Role: RoleAdmin, CreatedAt: now}
		if err := insertUser(ctx, tx, u); err != nil {
			return err
		}
		return audit.Record(ctx, tx, &audit.Event{
			TenantID:  tenantID,
			Actor:     observability.GetActor(ctx),
			Action:    audit.ActionAdminAdded,
			Reason:    email,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, touched)
	return u, nil
}
