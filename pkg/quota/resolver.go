package quota

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/samber/lo"

	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/orgs"
	"github.com/platinummonkey/commune/pkg/storage"
)

// Order statuses whose add-on snapshot counts toward the allowance
var snapshotStatuses = []string{"ACCEPTED", "PENDING_BC", "INVOICED"}

// Resolver computes used, allowed and remaining for constrained resources
type Resolver struct {
	catalog  catalog.Catalog
	reads    storage.ReadSource
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// Option configures a Resolver
type Option func(*Resolver)

// WithCache caches display reads in Redis for ttl
func WithCache(client *redis.Client, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = client
		r.cacheTTL = ttl
	}
}

// WithLogger sets the resolver logger
func WithLogger(l *observability.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics sets the metrics sink for cache hits and misses
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver reading display values from reads
func NewResolver(cat catalog.Catalog, reads storage.ReadSource, opts ...Option) *Resolver {
	r := &Resolver{catalog: cat, reads: reads, cacheTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.OrDefault(r.logger)
	return r
}

func cacheKey(tenantID int64, kind catalog.ResourceKind) string {
	return fmt.Sprintf("commune:quota:%d:%s", tenantID, kind)
}

// Resolve returns a display value of the quota. It may lag behind writes by
// replica delay plus the cache TTL; never use it to admit a new resource.
func (r *Resolver) Resolve(ctx context.Context, tenantID int64, kind catalog.ResourceKind) (*Quota, error) {
	if !KnownKind(kind) {
		return nil, errs.Validation("unknown resource kind %q", kind)
	}

	if r.cache != nil {
		data, err := r.cache.Get(ctx, cacheKey(tenantID, kind)).Bytes()
		switch {
		case err == nil:
			var q Quota
			if jsonErr := json.Unmarshal(data, &q); jsonErr == nil {
				r.metrics.QuotaCache("hit")
				return &q, nil
			}
		case err != redis.Nil:
			r.logger.WithError(err).Warn("quota cache read failed")
		}
		r.metrics.QuotaCache("miss")
	}

	q, err := r.ResolveTx(ctx, r.reads.Replica(), tenantID, kind)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(q); err == nil {
			if err := r.cache.Set(ctx, cacheKey(tenantID, kind), data, r.cacheTTL).Err(); err != nil {
				r.logger.WithError(err).Warn("quota cache write failed")
			}
		}
	}
	return q, nil
}

// Invalidate drops cached quotas of the given tenants
func (r *Resolver) Invalidate(ctx context.Context, tenantIDs ...int64) {
	if r.cache == nil || len(tenantIDs) == 0 {
		return
	}
	var keys []string
	for _, id := range tenantIDs {
		for _, kind := range Kinds() {
			keys = append(keys, cacheKey(id, kind))
		}
	}
	if err := r.cache.Del(ctx, keys...).Err(); err != nil {
		r.logger.WithError(err).Warn("quota cache invalidation failed")
	}
}

// Check returns ErrQuotaExceeded when tenantID has no unit of kind left. q
// must be the transaction that will consume the unit.
func (r *Resolver) Check(ctx context.Context, q storage.Querier, tenantID int64, kind catalog.ResourceKind) error {
	quota, err := r.ResolveTx(ctx, q, tenantID, kind)
	if err != nil {
		return err
	}
	if quota.Remaining <= 0 {
		return errs.QuotaExceeded(string(kind), quota.Used, quota.Allowed)
	}
	return nil
}

// ResolveTx resolves the quota through q without caching
func (r *Resolver) ResolveTx(ctx context.Context, q storage.Querier, tenantID int64, kind catalog.ResourceKind) (*Quota, error) {
	spec, ok := kinds[kind]
	if !ok {
		return nil, errs.Validation("unknown resource kind %q", kind)
	}

	tenant, err := orgs.Get(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}

	result := &Quota{TenantID: tenantID, Kind: kind}
	var funder *orgs.Tenant
	switch f := FundingOf(tenant).(type) {
	case Standalone:
		funder = f.Tenant
	case InheritsFrom:
		funder, err = orgs.Get(ctx, q, f.ParentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load EPCI of tenant %d: %w", tenantID, err)
		}
		result.Inherited = true
	}
	result.FundedBy = funder.ID

	if err := r.allowance(ctx, q, funder, kind, spec, result); err != nil {
		return nil, err
	}
	if err := q.QueryRowContext(ctx, spec.usage, funder.ID).Scan(&result.Used); err != nil {
		return nil, fmt.Errorf("failed to count %s usage: %w", kind, err)
	}
	result.Remaining = remaining(result.Allowed, result.Used)
	return result, nil
}

func (r *Resolver) allowance(ctx context.Context, q storage.Querier, funder *orgs.Tenant, kind catalog.ResourceKind,
	spec kindSpec, result *Quota) error {
	b := &result.Breakdown

	if funder.PlanID != nil {
		plan, err := r.catalog.Plan(ctx, *funder.PlanID)
		if err != nil {
			return fmt.Errorf("failed to load plan of tenant %d: %w", funder.ID, err)
		}
		b.PlanIncluded = plan.IncludedQuantity(kind)
	}

	addons, found, err := r.liveAddons(ctx, q, funder.ID, kind)
	if err != nil {
		return err
	}
	b.AddonsSource = SourceTenantAddons
	if !found {
		var orderID *int64
		addons, orderID, err = r.snapshotAddons(ctx, q, funder.ID, kind)
		if err != nil {
			return err
		}
		b.AddonsSource = SourceNone
		if orderID != nil {
			b.AddonsSource = SourceOrderSnapshot
			b.SnapshotOrderID = orderID
		}
	}
	b.Addons = addons
	b.Legacy = spec.legacy(funder)

	result.Allowed = b.PlanIncluded + b.Addons + b.Legacy
	return nil
}

type addonRow struct {
	addonID  int64
	quantity int64
}

// liveAddons sums tenant_addons rows of kind. found is false when the tenant
// has no row of that kind at all.
func (r *Resolver) liveAddons(ctx context.Context, q storage.Querier, tenantID int64, kind catalog.ResourceKind) (int64, bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT addon_id, quantity FROM tenant_addons WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to list tenant addons: %w", err)
	}
	var all []addonRow
	for rows.Next() {
		var row addonRow
		if err := rows.Scan(&row.addonID, &row.quantity); err != nil {
			rows.Close()
			return 0, false, fmt.Errorf("failed to scan tenant addon: %w", err)
		}
		all = append(all, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, false, fmt.Errorf("failed to read tenant addons: %w", err)
	}

	units := make(map[int64]int64, len(all))
	for _, row := range all {
		addon, err := r.catalog.Addon(ctx, row.addonID)
		if err != nil {
			return 0, false, fmt.Errorf("failed to load addon %d: %w", row.addonID, err)
		}
		if addon.ResourceKind == kind {
			units[row.addonID] = addon.UnitsPerQuantity
		}
	}

	matching := lo.Filter(all, func(row addonRow, _ int) bool {
		_, ok := units[row.addonID]
		return ok
	})
	total := lo.SumBy(matching, func(row addonRow) int64 {
		return row.quantity * units[row.addonID]
	})
	return total, len(matching) > 0, nil
}

// snapshotAddons sums the add-on snapshot of the tenant's latest accepted
// mandate order. orderID is nil when there is no such order.
func (r *Resolver) snapshotAddons(ctx context.Context, q storage.Querier, tenantID int64, kind catalog.ResourceKind) (int64, *int64, error) {
	var (
		orderID  int64
		snapshot sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, addon_snapshot
		FROM mandate_orders
		WHERE tenant_id = $1 AND status IN ($2, $3, $4)
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, tenantID, snapshotStatuses[0], snapshotStatuses[1], snapshotStatuses[2]).Scan(&orderID, &snapshot)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get latest mandate order: %w", err)
	}

	var lines []catalog.AddonLine
	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &lines); err != nil {
			return 0, nil, errs.ConsistencyViolation("mandate order %d has an unreadable addon snapshot: %v", orderID, err)
		}
	}

	var total int64
	for _, line := range lines {
		addon, err := r.catalog.AddonByCode(ctx, line.AddonCode)
		if errs.IsNotFound(err) {
			r.logger.WithFields(map[string]interface{}{
				"order_id":   orderID,
				"addon_code": line.AddonCode,
			}).Warn("snapshot references an unknown addon")
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("failed to load addon %s: %w", line.AddonCode, err)
		}
		if addon.ResourceKind == kind {
			total += line.Quantity * addon.UnitsPerQuantity
		}
	}
	return total, &orderID, nil
}
