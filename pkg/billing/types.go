package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/commune/pkg/catalog"
)

// ChangeType is what a billing change modifies
type ChangeType string

const (
	ChangePlan  ChangeType = "PLAN_CHANGE"
	ChangeAddon ChangeType = "ADDON_CHANGE"
)

// ChangeStatus is the state of a billing change
type ChangeStatus string

const (
	StatusPending   ChangeStatus = "PENDING"
	StatusApplied   ChangeStatus = "APPLIED"
	StatusCancelled ChangeStatus = "CANCELLED"
)

// Change is a scheduled modification of a tenant's plan or add-on quantity
type Change struct {
	ID            int64                    `json:"id"`
	TenantID      int64                    `json:"tenant_id"`
	Type          ChangeType               `json:"change_type"`
	AddonID       *int64                   `json:"addon_id,omitempty"`
	FromPlanID    *int64                   `json:"from_plan_id,omitempty"`
	ToPlanID      *int64                   `json:"to_plan_id,omitempty"`
	FromInterval  *catalog.BillingInterval `json:"from_interval,omitempty"`
	ToInterval    *catalog.BillingInterval `json:"to_interval,omitempty"`
	FromQuantity  *int64                   `json:"from_quantity,omitempty"`
	ToQuantity    *int64                   `json:"to_quantity,omitempty"`
	EffectiveDate time.Time                `json:"effective_date"`
	CreditCents   int64                    `json:"credit_cents"`
	DebitCents    int64                    `json:"debit_cents"`
	Status        ChangeStatus             `json:"status"`
	RequestedBy   string                   `json:"requested_by"`
	CreatedAt     time.Time                `json:"created_at"`
	AppliedAt     *time.Time               `json:"applied_at,omitempty"`
	CancelledAt   *time.Time               `json:"cancelled_at,omitempty"`
}

// NetCents is the amount owed to the tenant by the change; negative when the tenant owes
func (c *Change) NetCents() int64 {
	return c.CreditCents - c.DebitCents
}

// ScheduleRequest asks for a plan or add-on change on a date
type ScheduleRequest struct {
	Type          ChangeType              `json:"change_type" validate:"required,oneof=PLAN_CHANGE ADDON_CHANGE"`
	PlanID        *int64                  `json:"plan_id,omitempty" validate:"required_if=Type PLAN_CHANGE"`
	Interval      catalog.BillingInterval `json:"billing_interval,omitempty" validate:"omitempty,oneof=MONTHLY YEARLY"`
	AddonCode     string                  `json:"addon_code,omitempty" validate:"required_if=Type ADDON_CHANGE"`
	Quantity      *int64                  `json:"quantity,omitempty" validate:"omitempty,min=0"`
	EffectiveDate time.Time               `json:"effective_date" validate:"required"`
}

// Quantity is a pointer helper for ScheduleRequest.Quantity
func Quantity(n int64) *int64 {
	return &n
}

// Proration is the priced effect of a change on the current period
type Proration struct {
	Coefficient   decimal.Decimal `json:"coefficient"`
	RemainingDays int             `json:"remaining_days"`
	TotalDays     int             `json:"total_days"`
	OldCostCents  int64           `json:"old_cost_cents"`
	NewCostCents  int64           `json:"new_cost_cents"`
	CreditCents   int64           `json:"credit_cents"`
	DebitCents    int64           `json:"debit_cents"`
}

// Preview is a change priced but not persisted
type Preview struct {
	Change    *Change   `json:"change"`
	Proration Proration `json:"proration"`
}

// EntryType is the direction of a ledger entry
type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// LedgerEntry is an immutable credit or debit awaiting or consumed by an invoice
type LedgerEntry struct {
	ID               int64      `json:"id"`
	TenantID         int64      `json:"tenant_id"`
	BillingChangeID  *int64     `json:"billing_change_id,omitempty"`
	Type             EntryType  `json:"entry_type"`
	AmountCents      int64      `json:"amount_cents"`
	Description      string     `json:"description"`
	AppliedToInvoice bool       `json:"applied_to_invoice"`
	InvoiceRef       *string    `json:"invoice_ref,omitempty"`
	AppliedAt        *time.Time `json:"applied_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Signed returns the entry amount, positive for credits
func (e *LedgerEntry) Signed() int64 {
	if e.Type == EntryDebit {
		return -e.AmountCents
	}
	return e.AmountCents
}

// Balance summarizes a tenant's unapplied ledger entries. A positive
// BalanceCents is owed to the tenant.
type Balance struct {
	TenantID     int64 `json:"tenant_id"`
	CreditCents  int64 `json:"credit_cents"`
	DebitCents   int64 `json:"debit_cents"`
	BalanceCents int64 `json:"balance_cents"`
	Entries      int   `json:"entries"`
}

// ConsumeRequest marks ledger entries as consumed by an invoice
type ConsumeRequest struct {
	EntryIDs   []int64 `json:"entry_ids" validate:"required,min=1"`
	InvoiceRef string  `json:"invoice_ref" validate:"required"`
}

// DueResult reports an ApplyDue run
type DueResult struct {
	Applied int     `json:"applied"`
	Failed  int     `json:"failed"`
	Errors  []error `json:"-"`
}
