package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
)

func newRunner(t *testing.T, retries uint64) (*TxRunner, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTxRunner(db, Postgres,
		WithMaxRetries(retries),
		WithInitialBackoff(time.Millisecond),
		WithLogger(observability.Nop()),
	), mock
}

func touch(ctx context.Context) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE tenants SET updated_at = $1 WHERE id = $2", time.Now(), 1)
		return err
	}
}

func TestInTx_Commits(t *testing.T) {
	runner, mock := newRunner(t, 3)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tenants").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, runner.InTx(context.Background(), touch(context.Background())))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RetriesWholeTransactionOnConflict(t *testing.T) {
	runner, mock := newRunner(t, 3)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tenants").WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tenants").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, runner.InTx(context.Background(), touch(context.Background())))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_ConflictSurfacesAfterRetries(t *testing.T) {
	runner, mock := newRunner(t, 1)

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE tenants").WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()
	}

	err := runner.InTx(context.Background(), touch(context.Background()))
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))
	assert.True(t, errs.Retryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_ValidationIsNotRetried(t *testing.T) {
	runner, mock := newRunner(t, 3)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := runner.InTx(context.Background(), func(tx *sql.Tx) error {
		return errs.InvalidState("change is CANCELLED")
	})
	assert.True(t, errs.IsInvalidState(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_CommitFailure(t *testing.T) {
	runner, mock := newRunner(t, 0)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tenants").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := runner.InTx(context.Background(), touch(context.Background()))
	assert.ErrorContains(t, err, "failed to commit transaction")
}

func TestClassify(t *testing.T) {
	assert.True(t, errs.IsConflict(Classify(&pq.Error{Code: "55P03"})))
	assert.False(t, errs.IsConflict(Classify(&pq.Error{Code: "23505"})))
	assert.Nil(t, Classify(nil))

	plain := errors.New("plain")
	assert.Same(t, plain, Classify(plain))
}

func TestDialect(t *testing.T) {
	assert.Equal(t, " FOR UPDATE", Postgres.ForUpdate())
	assert.Equal(t, "", SQLite.ForUpdate())
	assert.Equal(t, " FOR UPDATE SKIP LOCKED", Postgres.SkipLocked())
	assert.Equal(t, "sqlite3", SQLite.String())
}
