package numbering

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		separator string
		year      int
		month     int
		seq       int64
		digits    int
		want      string
	}{
		{"invoice", "FA", "-", 2024, 0, 7, 5, "FA-2024-00007"},
		{"with month", "BC", "/", 2024, 3, 12, 4, "BC/2024/03/0012"},
		{"overflowing digits", "DE", "-", 2025, 0, 123456, 3, "DE-2025-123456"},
		{"empty separator", "AV", "", 2024, 11, 1, 2, "AV20241101"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatNumber(tt.prefix, tt.separator, tt.year, tt.month, tt.seq, tt.digits))
		})
	}
}

func TestFormat_Render(t *testing.T) {
	at := time.Date(2024, time.July, 3, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "FA-2024-00042", DefaultFormat(FamilyInvoice).Render(at, 42))

	custom := Format{Family: FamilyInvoice, Prefix: "FACT", Separator: ".", IncludeMonth: true, Digits: 3}
	assert.Equal(t, "FACT.2024.07.042", custom.Render(at, 42))
}

func TestFamily(t *testing.T) {
	assert.Equal(t, "DE", FamilyQuote.CounterPrefix())
	assert.Equal(t, "BC", FamilyOrder.CounterPrefix())
	assert.Equal(t, "FA", FamilyInvoice.CounterPrefix())
	assert.Equal(t, "AV", FamilyCreditNote.CounterPrefix())
	assert.False(t, Family("RECEIPT").Valid())
}

func TestFormat_Validate(t *testing.T) {
	assert.NoError(t, DefaultFormat(FamilyQuote).Validate())
	assert.Error(t, Format{Family: "X", Prefix: "X", Digits: 5}.Validate())
	assert.Error(t, Format{Family: FamilyQuote, Prefix: " ", Digits: 5}.Validate())
	assert.Error(t, Format{Family: FamilyQuote, Prefix: "DE", Digits: 0}.Validate())
}
