// Package billing schedules and applies plan and add-on changes and keeps the
// per-tenant ledger of proration credits and debits.
//
// # Billing changes
//
// A change is requested with Schedule, which prices it against the tenant's
// current billing period and stores the proration amounts on a PENDING row.
// Nothing else moves until the effective date, when Apply (or the scheduler's
// ApplyDue) mutates the tenant's plan or add-on quantity, flips the change to
// APPLIED and writes the ledger entries, all in one transaction:
//
//	change, err := svc.Schedule(ctx, tenantID, &billing.ScheduleRequest{
//		Type:          billing.ChangeAddon,
//		AddonCode:     "extra_admin",
//		Quantity:      billing.Quantity(3),
//		EffectiveDate: time.Date(2024, time.March, 16, 0, 0, 0, 0, time.UTC),
//	})
//
// PENDING changes may be cancelled. APPLIED and CANCELLED changes are never
// modified again.
//
// # Proration
//
// The coefficient is the number of remaining days from the effective date to
// the period end over the number of days in the period. The credit refunds the
// unused share of the old cost; the debit is chosen so that credit minus debit
// is exactly the rounded prorated difference between old and new cost.
//
// # Ledger
//
// The balance of a tenant is the sum of unapplied credits minus unapplied
// debits. The invoice run reads UnappliedEntries and marks them consumed with
// MarkEntriesApplied.
package billing
