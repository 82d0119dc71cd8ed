// Package numbering allocates legal document numbers.
//
// Each document family (quotes, orders, invoices, credit notes) owns one
// counter per calendar year, keyed by the family prefix. Counters live in the
// document_sequences table and are only ever advanced by a single atomic
// upsert, so numbers are strictly increasing across service instances. A
// rolled back transaction may leave a gap, but a number is never reused.
//
// How a number is displayed (prefix, separator, month, padding) is configured
// per family in a Registry and can change without touching the counter.
package numbering
