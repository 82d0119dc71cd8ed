package numbering

import (
	"fmt"
	"strings"
	"time"
)

// Family identifies a category of numbered legal document
type Family string

const (
	FamilyQuote      Family = "QUOTE"
	FamilyOrder      Family = "ORDER"
	FamilyInvoice    Family = "INVOICE"
	FamilyCreditNote Family = "CREDIT_NOTE"
)

var familyPrefixes = map[Family]string{
	FamilyQuote:      "DE",
	FamilyOrder:      "BC",
	FamilyInvoice:    "FA",
	FamilyCreditNote: "AV",
}

// Families lists every known family
func Families() []Family {
	return []Family{FamilyQuote, FamilyOrder, FamilyInvoice, FamilyCreditNote}
}

// CounterPrefix is the key of the family's counter. It never changes with the
// display format.
func (f Family) CounterPrefix() string {
	return familyPrefixes[f]
}

// Valid reports whether f is a known family
func (f Family) Valid() bool {
	_, ok := familyPrefixes[f]
	return ok
}

// Format describes how numbers of one family are displayed
type Format struct {
	Family       Family `yaml:"family" json:"family"`
	Prefix       string `yaml:"prefix" json:"prefix"`
	Separator    string `yaml:"separator" json:"separator"`
	IncludeMonth bool   `yaml:"include_month" json:"include_month"`
	Digits       int    `yaml:"digits" json:"digits"`
}

// DefaultFormat returns the built-in format for a family, e.g. FA-2024-00007
func DefaultFormat(f Family) Format {
	return Format{Family: f, Prefix: f.CounterPrefix(), Separator: "-", Digits: 5}
}

// Validate checks a format for obvious mistakes
func (f Format) Validate() error {
	if !f.Family.Valid() {
		return fmt.Errorf("unknown document family %q", f.Family)
	}
	if strings.TrimSpace(f.Prefix) == "" {
		return fmt.Errorf("format for %s: prefix is required", f.Family)
	}
	if f.Digits < 1 || f.Digits > 12 {
		return fmt.Errorf("format for %s: digits must be between 1 and 12", f.Family)
	}
	return nil
}

// Render formats seq issued at the given time
func (f Format) Render(at time.Time, seq int64) string {
	month := 0
	if f.IncludeMonth {
		month = int(at.Month())
	}
	return FormatNumber(f.Prefix, f.Separator, at.Year(), month, seq, f.Digits)
}

// FormatNumber renders a document number. A zero month is omitted.
//
//	FormatNumber("FA", "-", 2024, 0, 7, 5)  // FA-2024-00007
//	FormatNumber("BC", "/", 2024, 3, 12, 4) // BC/2024/03/0012
func FormatNumber(prefix, separator string, year, month int, seq int64, digits int) string {
	parts := []string{prefix, fmt.Sprintf("%04d", year)}
	if month > 0 {
		parts = append(parts, fmt.Sprintf("%02d", month))
	}
	parts = append(parts, fmt.Sprintf("%0*d", digits, seq))
	return strings.Join(parts, separator)
}

// DocumentNumber is an allocated number. Sequence is kept alongside the
// formatted string for audit cross-checking.
type DocumentNumber struct {
	Family    Family `json:"family"`
	Year      int    `json:"year"`
	Sequence  int64  `json:"sequence"`
	Formatted string `json:"formatted"`
}
