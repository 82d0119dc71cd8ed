package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/commune/pkg/errs"
)

// Prorate prices replacing a recurring cost of oldCost with newCost from
// effective until periodEnd. Day boundaries are UTC; the effective day counts as
// remaining.
func Prorate(oldCost, newCost int64, periodStart, periodEnd, effective time.Time) (Proration, error) {
	totalDays := daysBetween(periodStart, periodEnd)
	if totalDays <= 0 {
		return Proration{}, errs.Validation("invalid billing period %s to %s",
			periodStart.Format(time.DateOnly), periodEnd.Format(time.DateOnly))
	}
	remainingDays := daysBetween(effective, periodEnd)
	if remainingDays < 0 {
		remainingDays = 0
	}
	if remainingDays > totalDays {
		remainingDays = totalDays
	}

	coefficient := decimal.NewFromInt(int64(remainingDays)).Div(decimal.NewFromInt(int64(totalDays)))
	oldD := decimal.NewFromInt(oldCost)
	newD := decimal.NewFromInt(newCost)

	credit := oldD.Mul(coefficient).Round(0)
	delta := oldD.Sub(newD).Mul(coefficient).Round(0)
	debit := credit.Sub(delta)

	return Proration{
		Coefficient:   coefficient,
		RemainingDays: remainingDays,
		TotalDays:     totalDays,
		OldCostCents:  oldCost,
		NewCostCents:  newCost,
		CreditCents:   credit.IntPart(),
		DebitCents:    debit.IntPart(),
	}, nil
}

// daysBetween counts UTC calendar days in [start, end)
func daysBetween(start, end time.Time) int {
	s := truncateDay(start)
	e := truncateDay(end)
	return int(e.Sub(s).Hours() / 24)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
