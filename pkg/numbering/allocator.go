package numbering

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/storage"
)

const nextNumberQuery = `
	INSERT INTO document_sequences (year, prefix, last_number, updated_at)
	VALUES ($1, $2, 1, $3)
	ON CONFLICT (year, prefix) DO UPDATE
	SET last_number = document_sequences.last_number + 1,
		updated_at = excluded.updated_at
	RETURNING last_number`

// Allocator issues document numbers
type Allocator struct {
	registry *Registry
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewAllocator creates an allocator rendering numbers with registry
func NewAllocator(registry *Registry, metrics *observability.Metrics) *Allocator {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Allocator{registry: registry, metrics: metrics, now: time.Now}
}

// Registry returns the format registry
func (a *Allocator) Registry() *Registry {
	return a.registry
}

// NextNumber advances and returns the counter of (year, family) in one round
// trip. q should be the transaction that persists the numbered document, so the
// number and the document commit together. On error the caller must retry the
// whole document creation, never this call alone.
func (a *Allocator) NextNumber(ctx context.Context, q storage.Querier, family Family, year int) (int64, error) {
	if !family.Valid() {
		return 0, errs.Validation("unknown document family %q", family)
	}
	if year < 1 {
		return 0, errs.Validation("invalid year %d", year)
	}

	var next int64
	err := q.QueryRowContext(ctx, nextNumberQuery, year, family.CounterPrefix(), a.now().UTC()).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s number: %w", family, storage.Classify(err))
	}
	a.metrics.DocumentNumbered(family.CounterPrefix())
	return next, nil
}

// Allocate returns the next number of a family for the year of at, formatted
// with the family's current display format.
func (a *Allocator) Allocate(ctx context.Context, q storage.Querier, family Family, at time.Time) (DocumentNumber, error) {
	at = at.UTC()
	seq, err := a.NextNumber(ctx, q, family, at.Year())
	if err != nil {
		return DocumentNumber{}, err
	}
	return DocumentNumber{
		Family:    family,
		Year:      at.Year(),
		Sequence:  seq,
		Formatted: a.registry.Format(family).Render(at, seq),
	}, nil
}
