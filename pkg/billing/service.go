package billing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/orgs"
	"github.com/platinummonkey/commune/pkg/outbox"
	"github.com/platinummonkey/commune/pkg/storage"
)

// Invalidator drops cached quota values of tenants whose allowance changed
type Invalidator interface {
	Invalidate(ctx context.Context, tenantIDs ...int64)
}

// Service is the billing change and ledger engine
type Service struct {
	tx          *storage.TxRunner
	catalog     catalog.Catalog
	invalidator Invalidator
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewService creates a billing service
func NewService(tx *storage.TxRunner, cat catalog.Catalog, logger *observability.Logger) *Service {
	return &Service{
		tx:      tx,
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

// WithInvalidator sets the quota cache to invalidate after an applied change
func (s *Service) WithInvalidator(inv Invalidator) *Service {
	s.invalidator = inv
	return s
}

// GetChange retrieves a billing change
func (s *Service) GetChange(ctx context.Context, id int64) (*Change, error) {
	return GetChange(ctx, s.tx.DB(), id)
}

// ListChanges returns the billing changes of a tenant
func (s *Service) ListChanges(ctx context.Context, tenantID int64) ([]*Change, error) {
	return ListChanges(ctx, s.tx.DB(), tenantID)
}

// Preview prices a change without recording it
func (s *Service) Preview(ctx context.Context, tenantID int64, req *ScheduleRequest) (*Preview, error) {
	q := s.tx.DB()
	t, err := orgs.Get(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	c, p, err := s.price(ctx, q, t, req, s.now())
	if err != nil {
		return nil, err
	}
	return &Preview{Change: c, Proration: p}, nil
}

// Schedule records a PENDING change with its proration amounts. Only one
// change per plan slot or add-on may be pending at a time.
func (s *Service) Schedule(ctx context.Context, tenantID int64, req *ScheduleRequest) (c *Change, err error) {
	ctx, end := observability.StartSpan(ctx, "billing.Schedule",
		attribute.Int64("tenant.id", tenantID), attribute.String("billing.change_type", string(req.Type)))
	defer func() { end(err) }()

	err = s.tx.InTx(ctx, func(tx *sql.Tx) error {
		t, err := orgs.GetForUpdate(ctx, tx, s.tx.Dialect(), tenantID)
		if err != nil {
			return err
		}
		now := s.now()
		c, _, err = s.price(ctx, tx, t, req, now)
		if err != nil {
			return err
		}

		pending, err := pendingCount(ctx, tx, c)
		if err != nil {
			return err
		}
		if pending > 0 {
			return errs.WithHint(errs.InvalidState("tenant %d already has a pending %s", tenantID, c.Type),
				"cancel the pending change first")
		}

		c.Status = StatusPending
		c.RequestedBy = observability.GetActor(ctx)
		c.CreatedAt = now
		if err := insertChange(ctx, tx, c); err != nil {
			return err
		}

		if c.Type == ChangeAddon {
			live, err := liveAddon(ctx, tx, tenantID, *c.AddonID)
			if err != nil {
				return err
			}
			if live != nil {
				return setPendingQuantity(ctx, tx, live.id, c.ToQuantity, &c.EffectiveDate, now)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BillingChange(string(c.Type), string(StatusPending))
	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"tenant_id":      tenantID,
		"change_id":      c.ID,
		"change_type":    c.Type,
		"effective_date": c.EffectiveDate.Format(time.DateOnly),
	}).Info("billing change scheduled")
	return c, nil
}

// price builds the change req describes for t and prorates it against t's
// current period
func (s *Service) price(ctx context.Context, q storage.Querier, t *orgs.Tenant, req *ScheduleRequest, now time.Time) (*Change, Proration, error) {
	if t.Status == orgs.StatusArchived {
		return nil, Proration{}, errs.InvalidState("tenant %d is archived", t.ID)
	}
	if req.EffectiveDate.IsZero() {
		return nil, Proration{}, errs.Validation("effective date is required")
	}
	effective := truncateDay(req.EffectiveDate)
	if effective.Before(truncateDay(now)) {
		return nil, Proration{}, errs.Validation("effective date %s is in the past", effective.Format(time.DateOnly))
	}
	if t.CurrentPeriodStart != nil && t.CurrentPeriodEnd != nil {
		if effective.Before(truncateDay(*t.CurrentPeriodStart)) {
			return nil, Proration{}, errs.Validation("effective date %s is before the current period", effective.Format(time.DateOnly))
		}
		if effective.After(truncateDay(*t.CurrentPeriodEnd)) {
			return nil, Proration{}, errs.WithHint(
				errs.Validation("effective date %s is after the current period ends", effective.Format(time.DateOnly)),
				"schedule the change once the next period has started")
		}
	}

	c := &Change{TenantID: t.ID, Type: req.Type, EffectiveDate: effective}
	var oldCost, newCost int64

	switch req.Type {
	case ChangePlan:
		if req.PlanID == nil {
			return nil, Proration{}, errs.Validation("plan_id is required for a plan change")
		}
		interval := req.Interval
		if interval == "" {
			interval = t.Interval
		}
		if !interval.Valid() {
			return nil, Proration{}, errs.Validation("unknown billing interval %q", interval)
		}
		if t.PlanID != nil && *t.PlanID == *req.PlanID && t.Interval == interval {
			return nil, Proration{}, errs.Validation("tenant %d is already on plan %d billed %s", t.ID, *req.PlanID, interval)
		}

		to, err := s.catalog.Plan(ctx, *req.PlanID)
		if err != nil {
			return nil, Proration{}, err
		}
		if t.PlanID != nil {
			from, err := s.catalog.Plan(ctx, *t.PlanID)
			if err != nil {
				return nil, Proration{}, fmt.Errorf("failed to load current plan: %w", err)
			}
			oldCost = from.Price(t.Interval)
		}
		// the rest of the current period is priced at its own interval
		newCost = to.Price(t.Interval)

		fromInterval := t.Interval
		c.FromPlanID = t.PlanID
		c.ToPlanID = &to.ID
		c.FromInterval = &fromInterval
		c.ToInterval = &interval

	case ChangeAddon:
		code := strings.TrimSpace(req.AddonCode)
		if code == "" {
			return nil, Proration{}, errs.Validation("addon_code is required for an add-on change")
		}
		if req.Quantity == nil || *req.Quantity < 0 {
			return nil, Proration{}, errs.Validation("quantity must be zero or more")
		}
		if t.ParentEPCIID != nil {
			return nil, Proration{}, errs.WithHint(
				errs.Validation("tenant %d is funded by EPCI %d", t.ID, *t.ParentEPCIID),
				"add-ons of a pooled allowance are bought by the EPCI")
		}

		addon, err := s.catalog.AddonByCode(ctx, code)
		if err != nil {
			return nil, Proration{}, err
		}
		live, err := liveAddon(ctx, q, t.ID, addon.ID)
		if err != nil {
			return nil, Proration{}, err
		}
		var from int64
		if live != nil {
			from = live.quantity
		}
		if from == *req.Quantity {
			return nil, Proration{}, errs.Validation("tenant %d already has %d of %s", t.ID, from, code)
		}

		unit, err := s.catalog.AddonPrice(ctx, t.PlanID, addon.ID, t.Interval)
		if err != nil {
			return nil, Proration{}, err
		}
		oldCost = unit * from
		newCost = unit * *req.Quantity

		to := *req.Quantity
		c.AddonID = &addon.ID
		c.FromQuantity = &from
		c.ToQuantity = &to

	default:
		return nil, Proration{}, errs.Validation("unknown change type %q", req.Type)
	}

	p := Proration{OldCostCents: oldCost, NewCostCents: newCost}
	if !t.IsFree && t.CurrentPeriodStart != nil && t.CurrentPeriodEnd != nil {
		var err error
		p, err = Prorate(oldCost, newCost, *t.CurrentPeriodStart, *t.CurrentPeriodEnd, effective)
		if err != nil {
			return nil, Proration{}, err
		}
	}
	c.CreditCents = p.CreditCents
	c.DebitCents = p.DebitCents
	return c, p, nil
}

// Apply applies a due PENDING change. The live plan or add-on quantity, the
// change status and the ledger entries are written in one transaction.
func (s *Service) Apply(ctx context.Context, changeID int64) (*Change, error) {
	return s.applyAt(ctx, changeID, s.now())
}

func (s *Service) applyAt(ctx context.Context, changeID int64, now time.Time) (c *Change, err error) {
	ctx, end := observability.StartSpan(ctx, "billing.Apply", attribute.Int64("billing.change_id", changeID))
	defer func() { end(err) }()

	var pool []int64
	err = s.tx.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, pool, err = s.applyTx(ctx, tx, changeID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.applied(ctx, c, pool)
	return c, nil
}

// ApplyForProcessorEvent applies a change on behalf of a payment processor
// webhook. eventID is recorded with the change; a redelivered event, or an
// event for a change that is already applied, returns the change untouched.
func (s *Service) ApplyForProcessorEvent(ctx context.Context, source, eventID string, changeID int64) (c *Change, duplicate bool, err error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, false, errs.Validation("processor event id is required")
	}
	ctx, end := observability.StartSpan(ctx, "billing.ApplyForProcessorEvent",
		attribute.String("processor.event_id", eventID), attribute.Int64("billing.change_id", changeID))
	defer func() { end(err) }()

	var pool []int64
	err = s.tx.InTx(ctx, func(tx *sql.Tx) error {
		c, pool, duplicate = nil, nil, false

		var recorded sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT billing_change_id FROM processed_events WHERE event_id = $1`, eventID).
			Scan(&recorded)
		if err == nil {
			duplicate = true
			if recorded.Valid {
				c, err = GetChange(ctx, tx, recorded.Int64)
			}
			return err
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to look up processor event: %w", err)
		}

		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processed_events (event_id, source, billing_change_id, processed_at) VALUES ($1, $2, $3, $4)
		`, eventID, source, changeID, now); err != nil {
			if storage.IsUniqueViolation(err) {
				return errs.Conflict(err)
			}
			return fmt.Errorf("failed to record processor event: %w", err)
		}

		current, err := GetChange(ctx, tx, changeID)
		if err != nil {
			return err
		}
		if current.Status == StatusApplied {
			c, duplicate = current, true
			return nil
		}
		c, pool, err = s.applyTx(ctx, tx, changeID, now)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if duplicate {
		observability.FromContext(ctx).WithFields(map[string]interface{}{
			"event_id":  eventID,
			"change_id": changeID,
		}).Info("processor event already handled")
		return c, true, nil
	}
	s.applied(ctx, c, pool)
	return c, false, nil
}

func (s *Service) applied(ctx context.Context, c *Change, pool []int64) {
	s.metrics.BillingChange(string(c.Type), string(StatusApplied))
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, pool...)
	}
	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"tenant_id":    c.TenantID,
		"change_id":    c.ID,
		"credit_cents": c.CreditCents,
		"debit_cents":  c.DebitCents,
	}).Info("billing change applied")
}

// applyTx applies changeID inside tx and returns the tenants whose quota it
// affects. The tenant row is locked before the change row, the same order
// Schedule and Cancel use.
func (s *Service) applyTx(ctx context.Context, tx *sql.Tx, changeID int64, now time.Time) (*Change, []int64, error) {
	c, err := getChange(ctx, tx, changeID, "")
	if err != nil {
		return nil, nil, err
	}
	if c.TenantID == 0 {
		return nil, nil, errs.InvalidState("billing change %d belongs to a deleted tenant", changeID)
	}
	t, err := orgs.GetForUpdate(ctx, tx, s.tx.Dialect(), c.TenantID)
	if err != nil {
		return nil, nil, err
	}
	c, err = getChange(ctx, tx, changeID, s.tx.Dialect().ForUpdate())
	if err != nil {
		return nil, nil, err
	}

	if c.Status != StatusPending {
		return nil, nil, errs.InvalidState("billing change %d is %s", c.ID, c.Status)
	}
	if c.EffectiveDate.After(now) {
		return nil, nil, errs.InvalidState("billing change %d is not due until %s", c.ID, c.EffectiveDate.Format(time.DateOnly))
	}
	if t.Status == orgs.StatusArchived {
		return nil, nil, errs.InvalidState("tenant %d is archived", t.ID)
	}
	earlier, err := earlierPending(ctx, tx, c)
	if err != nil {
		return nil, nil, err
	}
	if earlier != 0 {
		return nil, nil, errs.WithHint(errs.InvalidState("billing change %d must be applied before %d", earlier, c.ID),
			"changes of a tenant are applied in effective date order")
	}

	switch c.Type {
	case ChangePlan:
		if err := s.applyPlan(ctx, tx, t, c, now); err != nil {
			return nil, nil, err
		}
	case ChangeAddon:
		if err := s.applyAddon(ctx, tx, c, now); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, s.inconsistent(ctx, c, "billing change %d has unknown type %q", c.ID, c.Type)
	}

	if err := transition(ctx, tx, c.ID, StatusApplied, "applied_at", now); err != nil {
		return nil, nil, err
	}
	c.Status = StatusApplied
	c.AppliedAt = &now

	for _, entry := range entriesFor(c, now) {
		if err := insertEntry(ctx, tx, entry); err != nil {
			return nil, nil, err
		}
	}

	if _, err := outbox.Enqueue(ctx, tx, outbox.AggregateBillingChange, c.ID, outbox.EventBillingApplied, map[string]interface{}{
		"change_id":      c.ID,
		"tenant_id":      c.TenantID,
		"change_type":    c.Type,
		"effective_date": c.EffectiveDate.Format(time.DateOnly),
		"credit_cents":   c.CreditCents,
		"debit_cents":    c.DebitCents,
	}, now); err != nil {
		return nil, nil, err
	}

	pool, err := orgs.PoolMemberIDs(ctx, tx, c.TenantID)
	if err != nil {
		return nil, nil, err
	}
	return c, pool, nil
}

func (s *Service) applyPlan(ctx context.Context, tx *sql.Tx, t *orgs.Tenant, c *Change, now time.Time) error {
	if !sameID(t.PlanID, c.FromPlanID) || (c.FromInterval != nil && t.Interval != *c.FromInterval) {
		return s.inconsistent(ctx, c, "tenant %d is no longer on the plan billing change %d was priced against", t.ID, c.ID)
	}
	if c.ToPlanID == nil || c.ToInterval == nil {
		return s.inconsistent(ctx, c, "plan change %d has no target plan", c.ID)
	}

	start, end := t.CurrentPeriodStart, t.CurrentPeriodEnd
	if start == nil || end == nil {
		first, last := orgs.FirstPeriod(c.EffectiveDate, *c.ToInterval)
		start, end = &first, &last
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE tenants
		SET plan_id = $1, billing_interval = $2, current_period_start = $3, current_period_end = $4, updated_at = $5
		WHERE id = $6
	`, *c.ToPlanID, *c.ToInterval, start, end, now, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update tenant plan: %w", err)
	}
	return nil
}

func (s *Service) applyAddon(ctx context.Context, tx *sql.Tx, c *Change, now time.Time) error {
	if c.AddonID == nil || c.FromQuantity == nil || c.ToQuantity == nil {
		return s.inconsistent(ctx, c, "add-on change %d is missing its quantities", c.ID)
	}
	live, err := liveAddon(ctx, tx, c.TenantID, *c.AddonID)
	if err != nil {
		return err
	}
	var current int64
	if live != nil {
		current = live.quantity
	}
	if current != *c.FromQuantity {
		return s.inconsistent(ctx, c, "tenant %d has %d of add-on %d, billing change %d expected %d",
			c.TenantID, current, *c.AddonID, c.ID, *c.FromQuantity)
	}
	return setLiveQuantity(ctx, tx, c.TenantID, *c.AddonID, *c.ToQuantity, now)
}

func (s *Service) inconsistent(ctx context.Context, c *Change, format string, args ...interface{}) error {
	err := errs.ConsistencyViolation(format, args...)
	observability.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
		"tenant_id": c.TenantID,
		"change_id": c.ID,
	}).Error("billing change does not match live state")
	return err
}

// Cancel cancels a PENDING change. Applied and cancelled changes are refused.
func (s *Service) Cancel(ctx context.Context, changeID int64) (c *Change, err error) {
	ctx, end := observability.StartSpan(ctx, "billing.Cancel", attribute.Int64("billing.change_id", changeID))
	defer func() { end(err) }()

	err = s.tx.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = getChange(ctx, tx, changeID, "")
		if err != nil {
			return err
		}
		if c.TenantID != 0 {
			if _, err := orgs.GetForUpdate(ctx, tx, s.tx.Dialect(), c.TenantID); err != nil {
				return err
			}
		}
		c, err = getChange(ctx, tx, changeID, s.tx.Dialect().ForUpdate())
		if err != nil {
			return err
		}
		if c.Status != StatusPending {
			return errs.InvalidState("cannot cancel billing change %d: it is %s", c.ID, c.Status)
		}

		now := s.now()
		if err := transition(ctx, tx, c.ID, StatusCancelled, "cancelled_at", now); err != nil {
			return err
		}
		c.Status = StatusCancelled
		c.CancelledAt = &now

		if c.Type == ChangeAddon && c.AddonID != nil {
			live, err := liveAddon(ctx, tx, c.TenantID, *c.AddonID)
			if err != nil {
				return err
			}
			if live != nil {
				return setPendingQuantity(ctx, tx, live.id, nil, nil, now)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BillingChange(string(c.Type), string(StatusCancelled))
	return c, nil
}

// ApplyDue applies every PENDING change due at now, earliest first within a
// tenant. Each change is applied in its own transaction; a failure is logged
// and the run continues.
func (s *Service) ApplyDue(ctx context.Context, now time.Time) (*DueResult, error) {
	ids, err := dueChangeIDs(ctx, s.tx.DB(), now)
	if err != nil {
		return nil, err
	}

	result := &DueResult{}
	for _, id := range ids {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if _, err := s.applyAt(ctx, id, now); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("billing change %d: %w", id, err))
			s.logger.WithError(err).WithField("change_id", id).Warn("failed to apply due billing change")
			continue
		}
		result.Applied++
	}
	return result, nil
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
