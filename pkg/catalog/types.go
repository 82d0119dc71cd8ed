package catalog

import (
	"context"
	"fmt"
)

// ResourceKind names a constrained resource whose allowance comes from plans and add-ons
type ResourceKind string

const (
	SubOrganizations ResourceKind = "sub_organizations"
	AdminSeats       ResourceKind = "admin_seats"
)

// BillingInterval is how often a tenant is billed
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "MONTHLY"
	IntervalYearly  BillingInterval = "YEARLY"
)

// Valid reports whether i is a known interval
func (i BillingInterval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// Plan is a subscription plan
type Plan struct {
	ID                int64                  `json:"id"`
	Code              string                 `json:"code"`
	Name              string                 `json:"name"`
	MonthlyPriceCents int64                  `json:"monthly_price_cents"`
	YearlyPriceCents  int64                  `json:"yearly_price_cents"`
	Included          map[ResourceKind]int64 `json:"included"`
	Features          []string               `json:"features"`
}

// IncludedQuantity returns the quantity of kind included in the plan
func (p *Plan) IncludedQuantity(kind ResourceKind) int64 {
	if p == nil {
		return 0
	}
	return p.Included[kind]
}

// Price returns the recurring price of the plan for one interval
func (p *Plan) Price(interval BillingInterval) int64 {
	if interval == IntervalYearly {
		return p.YearlyPriceCents
	}
	return p.MonthlyPriceCents
}

// Addon is a purchasable unit of a constrained resource
type Addon struct {
	ID                int64        `json:"id"`
	Code              string       `json:"code"`
	Name              string       `json:"name"`
	ResourceKind      ResourceKind `json:"resource_kind"`
	UnitsPerQuantity  int64        `json:"units_per_quantity"`
	MonthlyPriceCents int64        `json:"monthly_price_cents"`
	YearlyPriceCents  int64        `json:"yearly_price_cents"`
}

// Price returns the default recurring price of one unit for one interval
func (a *Addon) Price(interval BillingInterval) int64 {
	if interval == IntervalYearly {
		return a.YearlyPriceCents
	}
	return a.MonthlyPriceCents
}

// PriceOverride is a per-plan add-on price. Nil fields fall back to the add-on default.
type PriceOverride struct {
	MonthlyPriceCents *int64 `json:"monthly_price_cents,omitempty"`
	YearlyPriceCents  *int64 `json:"yearly_price_cents,omitempty"`
}

func (o PriceOverride) price(interval BillingInterval) *int64 {
	if interval == IntervalYearly {
		return o.YearlyPriceCents
	}
	return o.MonthlyPriceCents
}

// Catalog is the read-only plan and add-on lookup
type Catalog interface {
	Plan(ctx context.Context, id int64) (*Plan, error)
	Addon(ctx context.Context, id int64) (*Addon, error)
	AddonByCode(ctx context.Context, code string) (*Addon, error)
	// AddonPrice returns the unit price of an add-on for a tenant on planID
	// (nil when the tenant has no plan), applying any plan override.
	AddonPrice(ctx context.Context, planID *int64, addonID int64, interval BillingInterval) (int64, error)
}

func overrideKey(planID, addonID int64) string {
	return fmt.Sprintf("%d:%d", planID, addonID)
}

// AddonLine is one entry of a point-in-time add-on snapshot, as stored on
// mandate orders: [{"addon_code":"extra_seat","quantity":2}]
type AddonLine struct {
	AddonCode string `json:"addon_code" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gte=0"`
}
