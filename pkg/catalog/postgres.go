package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/commune/pkg/errs"
)

// Postgres reads the catalog tables
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a catalog reader over db
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Plan retrieves a plan with its included quantities and features
func (c *Postgres) Plan(ctx context.Context, id int64) (*Plan, error) {
	p := &Plan{Included: make(map[ResourceKind]int64)}
	err := c.db.QueryRowContext(ctx, `
		SELECT id, code, name, monthly_price_cents, yearly_price_cents
		FROM plans
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Code, &p.Name, &p.MonthlyPriceCents, &p.YearlyPriceCents)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("plan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT resource_kind, included FROM plan_quotas WHERE plan_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan quotas: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var included int64
		if err := rows.Scan(&kind, &included); err != nil {
			return nil, fmt.Errorf("failed to scan plan quota: %w", err)
		}
		p.Included[ResourceKind(kind)] = included
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan quotas: %w", err)
	}

	features, err := c.db.QueryContext(ctx, `SELECT feature_code FROM plan_features WHERE plan_id = $1 ORDER BY feature_code`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan features: %w", err)
	}
	defer features.Close()
	for features.Next() {
		var code string
		if err := features.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan plan feature: %w", err)
		}
		p.Features = append(p.Features, code)
	}
	return p, features.Err()
}

const addonColumns = `id, code, name, resource_kind, units_per_quantity, monthly_price_cents, yearly_price_cents`

func scanAddon(row interface{ Scan(...interface{}) error }) (*Addon, error) {
	a := &Addon{}
	var kind string
	if err := row.Scan(&a.ID, &a.Code, &a.Name, &kind, &a.UnitsPerQuantity, &a.MonthlyPriceCents, &a.YearlyPriceCents); err != nil {
		return nil, err
	}
	a.ResourceKind = ResourceKind(kind)
	return a, nil
}

// Addon retrieves an add-on by id
func (c *Postgres) Addon(ctx context.Context, id int64) (*Addon, error) {
	a, err := scanAddon(c.db.QueryRowContext(ctx, `SELECT `+addonColumns+` FROM addons WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("addon", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get addon: %w", err)
	}
	return a, nil
}

// AddonByCode retrieves an add-on by code
func (c *Postgres) AddonByCode(ctx context.Context, code string) (*Addon, error) {
	a, err := scanAddon(c.db.QueryRowContext(ctx, `SELECT `+addonColumns+` FROM addons WHERE code = $1`, code))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("addon", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get addon: %w", err)
	}
	return a, nil
}

// AddonPrice returns the add-on unit price, overridden per plan when configured
func (c *Postgres) AddonPrice(ctx context.Context, planID *int64, addonID int64, interval BillingInterval) (int64, error) {
	addon, err := c.Addon(ctx, addonID)
	if err != nil {
		return 0, err
	}
	if planID == nil {
		return addon.Price(interval), nil
	}

	var o PriceOverride
	err = c.db.QueryRowContext(ctx, `
		SELECT monthly_price_cents, yearly_price_cents
		FROM plan_addon_access
		WHERE plan_id = $1 AND addon_id = $2
	`, *planID, addonID).Scan(&o.MonthlyPriceCents, &o.YearlyPriceCents)
	if err == sql.ErrNoRows {
		return addon.Price(interval), nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get plan addon price: %w", err)
	}
	if p := o.price(interval); p != nil {
		return *p, nil
	}
	return addon.Price(interval), nil
}

// Snapshot loads the whole catalog into a Static catalog
func (c *Postgres) Snapshot(ctx context.Context) (*Static, error) {
	var planIDs []int64
	rows, err := c.db.QueryContext(ctx, `SELECT id FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan plan id: %w", err)
		}
		planIDs = append(planIDs, id)
	}
	rows.Close()

	static := NewStatic()
	for _, id := range planIDs {
		p, err := c.Plan(ctx, id)
		if err != nil {
			return nil, err
		}
		static.AddPlan(p)
	}

	addonRows, err := c.db.QueryContext(ctx, `SELECT `+addonColumns+` FROM addons ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list addons: %w", err)
	}
	for addonRows.Next() {
		a, err := scanAddon(addonRows)
		if err != nil {
			addonRows.Close()
			return nil, fmt.Errorf("failed to scan addon: %w", err)
		}
		static.AddAddon(a)
	}
	addonRows.Close()

	overrides, err := c.db.QueryContext(ctx, `SELECT plan_id, addon_id, monthly_price_cents, yearly_price_cents FROM plan_addon_access`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan addon prices: %w", err)
	}
	defer overrides.Close()
	for overrides.Next() {
		var planID, addonID int64
		var o PriceOverride
		if err := overrides.Scan(&planID, &addonID, &o.MonthlyPriceCents, &o.YearlyPriceCents); err != nil {
			return nil, fmt.Errorf("failed to scan plan addon price: %w", err)
		}
		static.SetOverride(planID, addonID, o)
	}
	return static, overrides.Err()
}
