// Package storagetest provides an in-memory SQLite database with the full
// schema, plus fixture builders, for service tests.
package storagetest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/storage"
	"github.com/platinummonkey/commune/pkg/storage/postgres"
)

var dbCounter int64

// NewDB opens a private in-memory SQLite database with foreign keys enforced
// and the schema applied. A single connection is used, so a test must not
// query the *sql.DB while one of its transactions is open.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()

	name := fmt.Sprintf("commune_%d_%d", time.Now().UnixNano(), atomic.AddInt64(&dbCounter, 1))
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, postgres.Migrate(context.Background(), db, storage.SQLite))
	return db
}

// NewTxRunner returns a TxRunner over db using the SQLite dialect
func NewTxRunner(db *sql.DB) *storage.TxRunner {
	return storage.NewTxRunner(db, storage.SQLite, storage.WithLogger(observability.Nop()))
}

// Date returns midnight UTC of the given day
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Fixtures inserts rows directly, bypassing services
type Fixtures struct {
	t   testing.TB
	db  *sql.DB
	Now time.Time
}

// NewFixtures creates fixture builders for db
func NewFixtures(t testing.TB, db *sql.DB) *Fixtures {
	return &Fixtures{t: t, db: db, Now: Date(2024, time.March, 1)}
}

func (f *Fixtures) insert(query string, args ...interface{}) int64 {
	f.t.Helper()
	var id int64
	require.NoError(f.t, f.db.QueryRow(query+" RETURNING id", args...).Scan(&id))
	return id
}

func (f *Fixtures) exec(query string, args ...interface{}) {
	f.t.Helper()
	_, err := f.db.Exec(query, args...)
	require.NoError(f.t, err)
}

// Plan inserts a plan with included quantities per resource kind
func (f *Fixtures) Plan(code string, monthlyCents, yearlyCents int64, included map[string]int64, features ...string) int64 {
	id := f.insert(`INSERT INTO plans (code, name, monthly_price_cents, yearly_price_cents) VALUES ($1, $2, $3, $4)`,
		code, strings.ToUpper(code), monthlyCents, yearlyCents)
	for kind, qty := range included {
		f.exec(`INSERT INTO plan_quotas (plan_id, resource_kind, included) VALUES ($1, $2, $3)`, id, kind, qty)
	}
	for _, feature := range features {
		f.exec(`INSERT INTO plan_features (plan_id, feature_code) VALUES ($1, $2)`, id, feature)
	}
	return id
}

// Addon inserts an add-on for a resource kind
func (f *Fixtures) Addon(code, kind string, units, monthlyCents, yearlyCents int64) int64 {
	return f.insert(`INSERT INTO addons (code, name, resource_kind, units_per_quantity, monthly_price_cents, yearly_price_cents)
		VALUES ($1, $2, $3, $4, $5, $6)`, code, code, kind, units, monthlyCents, yearlyCents)
}

// PlanAddonPrice overrides an add-on's price for a plan
func (f *Fixtures) PlanAddonPrice(planID, addonID, monthlyCents, yearlyCents int64) {
	f.exec(`INSERT INTO plan_addon_access (plan_id, addon_id, monthly_price_cents, yearly_price_cents) VALUES ($1, $2, $3, $4)`,
		planID, addonID, monthlyCents, yearlyCents)
}

// TenantSpec describes a tenant fixture
type TenantSpec struct {
	Name           string
	Type           string
	PlanID         *int64
	ParentEPCIID   *int64
	ParentTenantID *int64
	Interval       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	IsFree         bool
	Status         string
	LegacySubOrgs  int64
	LegacyAdmins   int64
	LegacyEvents   bool
}

// Tenant inserts a tenant. Zero values default to an ACTIVE monthly COMMUNE
// whose period is the month of f.Now.
func (f *Fixtures) Tenant(spec TenantSpec) int64 {
	if spec.Name == "" {
		spec.Name = "tenant"
	}
	if spec.Type == "" {
		spec.Type = "COMMUNE"
	}
	if spec.Interval == "" {
		spec.Interval = "MONTHLY"
	}
	if spec.PeriodStart.IsZero() {
		spec.PeriodStart = time.Date(f.Now.Year(), f.Now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spec.PeriodEnd = spec.PeriodStart.AddDate(0, 1, 0)
	}
	if spec.Status == "" {
		spec.Status = "ACTIVE"
	}
	return f.insert(`INSERT INTO tenants (name, tenant_type, parent_epci_id, parent_tenant_id, plan_id, billing_interval,
			current_period_start, current_period_end, is_free, lifecycle_status,
			legacy_extra_sub_organizations, legacy_extra_admin_seats, legacy_events_module, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		spec.Name, spec.Type, spec.ParentEPCIID, spec.ParentTenantID, spec.PlanID, spec.Interval,
		spec.PeriodStart, spec.PeriodEnd, spec.IsFree, spec.Status,
		spec.LegacySubOrgs, spec.LegacyAdmins, spec.LegacyEvents, f.Now, f.Now)
}

// TenantAddon sets a live add-on quantity for a tenant
func (f *Fixtures) TenantAddon(tenantID, addonID, quantity int64) int64 {
	return f.insert(`INSERT INTO tenant_addons (tenant_id, addon_id, quantity, updated_at) VALUES ($1, $2, $3, $4)`,
		tenantID, addonID, quantity, f.Now)
}

// User adds a user with the given role to a tenant
func (f *Fixtures) User(tenantID int64, email, role string) int64 {
	return f.insert(`INSERT INTO tenant_users (tenant_id, email, role, created_at) VALUES ($1, $2, $3, $4)`,
		tenantID, email, role, f.Now)
}

// FeatureAssignment grants a catalog feature directly to a tenant
func (f *Fixtures) FeatureAssignment(tenantID int64, feature string) {
	f.exec(`INSERT INTO tenant_feature_assignments (tenant_id, feature_code) VALUES ($1, $2)`, tenantID, feature)
}

// ContentItem adds a content item with one registration
func (f *Fixtures) ContentItem(tenantID int64, title string) int64 {
	id := f.insert(`INSERT INTO content_items (tenant_id, kind, title, created_at) VALUES ($1, $2, $3, $4)`,
		tenantID, "EVENT", title, f.Now)
	f.insert(`INSERT INTO registrations (tenant_id, content_item_id, email, created_at) VALUES ($1, $2, $3, $4)`,
		tenantID, id, "visitor@example.org", f.Now)
	return id
}

// DomainLink attaches a hostname to a tenant
func (f *Fixtures) DomainLink(tenantID int64, hostname string) int64 {
	return f.insert(`INSERT INTO domain_links (tenant_id, hostname, created_at) VALUES ($1, $2, $3)`,
		tenantID, hostname, f.Now)
}

// Invoice inserts a card-path invoice issued by the external invoice run
func (f *Fixtures) Invoice(tenantID int64, number string, amountCents int64) int64 {
	return f.insert(`INSERT INTO invoices (tenant_id, number, sequence, amount_cents, issued_at) VALUES ($1, $2, $3, $4, $5)`,
		tenantID, number, 1, amountCents, f.Now)
}

// MandateOrder inserts an order in the given status with an add-on snapshot
func (f *Fixtures) MandateOrder(tenantID int64, status, addonSnapshot string) int64 {
	return f.insert(`INSERT INTO mandate_orders (tenant_id, status, amount_cents, addon_snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, tenantID, status, 10000, addonSnapshot, f.Now, f.Now)
}

// Count returns the number of rows matching a WHERE clause
func (f *Fixtures) Count(table, where string, args ...interface{}) int {
	f.t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	require.NoError(f.t, f.db.QueryRow(query, args...).Scan(&n))
	return n
}

// Int64 is a pointer helper for optional ids
func Int64(v int64) *int64 {
	return &v
}
