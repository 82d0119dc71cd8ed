// Package storage holds the transactional plumbing shared by every service:
// a Querier satisfied by both *sql.DB and *sql.Tx, SQL dialect switches for
// PostgreSQL and SQLite, and a TxRunner that executes request-scoped
// transactions and retries them from the top on lock or serialization
// conflicts.
//
// Services never hold in-process locks. Serialization comes from the database:
// row locks taken with Dialect.ForUpdate and atomic upserts.
package storage
