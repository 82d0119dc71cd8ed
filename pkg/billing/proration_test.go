package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/errs"
)

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func TestProrate(t *testing.T) {
	march, april := day(2024, time.March, 1), day(2024, time.April, 1)

	tests := []struct {
		name       string
		old, new   int64
		start, end time.Time
		effective  time.Time
		remaining  int
		total      int
		credit     int64
		debit      int64
	}{
		{"upgrade mid period", 3000, 6000, march, april, day(2024, time.March, 16), 16, 31, 1548, 3096},
		{"downgrade mid period", 6000, 3000, march, april, day(2024, time.March, 16), 16, 31, 3097, 1549},
		{"whole period", 3000, 6000, march, april, march, 31, 31, 3000, 6000},
		{"at period end", 3000, 6000, march, april, april, 0, 31, 0, 0},
		{"removing an add-on", 1500, 0, march, april, day(2024, time.March, 11), 21, 31, 1016, 0},
		{"leap year", 30000, 0, day(2024, time.January, 1), day(2025, time.January, 1), day(2024, time.July, 1), 184, 366, 15082, 0},
		{"time of day ignored", 3000, 6000, march, april, day(2024, time.March, 16).Add(23 * time.Hour), 16, 31, 1548, 3096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Prorate(tt.old, tt.new, tt.start, tt.end, tt.effective)
			require.NoError(t, err)
			assert.Equal(t, tt.remaining, p.RemainingDays)
			assert.Equal(t, tt.total, p.TotalDays)
			assert.Equal(t, tt.credit, p.CreditCents, "credit")
			assert.Equal(t, tt.debit, p.DebitCents, "debit")
		})
	}
}

func TestProrate_Conservation(t *testing.T) {
	start, end := day(2024, time.February, 1), day(2024, time.March, 1)
	costs := []int64{0, 1, 999, 2500, 4900, 9999, 120000}

	for _, oldCost := range costs {
		for _, newCost := range costs {
			for d := 0; d <= 29; d++ {
				p, err := Prorate(oldCost, newCost, start, end, start.AddDate(0, 0, d))
				require.NoError(t, err)

				// (old-new) * remaining / 29, rounded half away from zero
				num := (oldCost - newCost) * int64(29-d)
				expected := roundDiv(num, 29)
				require.Equal(t, expected, p.CreditCents-p.DebitCents,
					"old=%d new=%d day=%d", oldCost, newCost, d)
				require.GreaterOrEqual(t, p.DebitCents, int64(0))
				require.LessOrEqual(t, p.CreditCents, oldCost)
			}
		}
	}
}

func roundDiv(num, den int64) int64 {
	if num < 0 {
		return -roundDiv(-num, den)
	}
	return (2*num + den) / (2 * den)
}

func TestProrate_InvalidPeriod(t *testing.T) {
	_, err := Prorate(100, 200, day(2024, time.March, 1), day(2024, time.March, 1), day(2024, time.March, 1))
	assert.True(t, errs.IsValidation(err))
}

func TestLedgerEntrySigned(t *testing.T) {
	assert.Equal(t, int64(100), (&LedgerEntry{Type: EntryCredit, AmountCents: 100}).Signed())
	assert.Equal(t, int64(-100), (&LedgerEntry{Type: EntryDebit, AmountCents: 100}).Signed())
}
