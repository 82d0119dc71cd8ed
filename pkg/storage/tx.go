package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
)

// SQLSTATE codes reported by PostgreSQL for contention
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateUniqueViolation      = "23505"
)

// Classify converts driver errors caused by contention into
// errs.ErrConcurrencyConflict and returns every other error unchanged.
func Classify(err error) error {
	if err == nil || errs.IsConflict(err) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			return errs.Conflict(err)
		}
	}
	return err
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == sqlStateUniqueViolation
}

// TxRunner runs request-scoped transactions against the primary database
type TxRunner struct {
	db             *sql.DB
	dialect        Dialect
	maxRetries     uint64
	initialBackoff time.Duration
	logger         *observability.Logger
	metrics        *observability.Metrics
}

// TxOption configures a TxRunner
type TxOption func(*TxRunner)

// WithMaxRetries bounds how many times a conflicting transaction is retried
func WithMaxRetries(n uint64) TxOption {
	return func(r *TxRunner) { r.maxRetries = n }
}

// WithInitialBackoff sets the first retry delay
func WithInitialBackoff(d time.Duration) TxOption {
	return func(r *TxRunner) { r.initialBackoff = d }
}

// WithLogger sets the logger used for retry diagnostics
func WithLogger(l *observability.Logger) TxOption {
	return func(r *TxRunner) { r.logger = l }
}

// WithMetrics sets the metrics sink for conflict retries
func WithMetrics(m *observability.Metrics) TxOption {
	return func(r *TxRunner) { r.metrics = m }
}

// NewTxRunner creates a TxRunner
func NewTxRunner(db *sql.DB, dialect Dialect, opts ...TxOption) *TxRunner {
	r := &TxRunner{
		db:             db,
		dialect:        dialect,
		maxRetries:     3,
		initialBackoff: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.OrDefault(r.logger)
	return r
}

// DB returns the underlying pool for reads outside a transaction
func (r *TxRunner) DB() *sql.DB {
	return r.db
}

// Dialect returns the SQL dialect of the underlying database
func (r *TxRunner) Dialect() Dialect {
	return r.dialect
}

// InTx runs fn in a transaction and commits it when fn returns nil. When the
// transaction fails with a concurrency conflict, the whole of fn is run again in
// a fresh transaction, up to the configured retry count. fn must therefore not
// have side effects outside the transaction.
func (r *TxRunner) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialBackoff
	policy.MaxInterval = 20 * r.initialBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := Classify(r.once(ctx, fn))
		if err == nil {
			return nil
		}
		if errs.IsConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.TxConflictRetry()
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
		}).Debug("retrying transaction after conflict")
	}

	return backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, r.maxRetries), ctx), notify)
}

func (r *TxRunner) once(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
