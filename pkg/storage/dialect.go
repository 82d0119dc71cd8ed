package storage

import (
	"context"
	"database/sql"
)

// Querier is the subset of *sql.DB and *sql.Tx used by repositories, so the
// same query code runs inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Dialect switches the few statements that differ between PostgreSQL and the
// SQLite database used in tests.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "postgres"
}

// ForUpdate returns the row lock suffix for a SELECT. SQLite serializes writers
// at the database level and has no row locks.
func (d Dialect) ForUpdate() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE"
}

// SkipLocked returns the suffix used by queue consumers to claim rows without
// blocking on rows claimed by another instance.
func (d Dialect) SkipLocked() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}

// ReadSource hands out a pool for reads that tolerate replica lag
type ReadSource interface {
	Replica() *sql.DB
}

// SingleDB serves every read from one pool
type SingleDB struct {
	DB *sql.DB
}

func (s SingleDB) Replica() *sql.DB {
	return s.DB
}
