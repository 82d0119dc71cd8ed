package mandate

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/errs"
)

// A capture racing another one for the same reference passes the lookup and
// is rejected by the unique index on commande_number.
func TestUpdateOrder_DuplicateCommandeNumberIsValidation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ref := "BC-2024-0042"
	now := time.Date(2024, time.March, 16, 0, 0, 0, 0, time.UTC)
	o := &Order{ID: 5, Status: StatusAccepted, CommandeNumber: &ref, UpdatedAt: now}

	mock.ExpectExec(`UPDATE mandate_orders`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err = updateOrder(context.Background(), db, o, StatusPendingBC)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "commande number BC-2024-0042 is already used")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOrder_OtherDriverErrorsAreNotValidation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	o := &Order{ID: 5, Status: StatusAccepted}
	mock.ExpectExec(`UPDATE mandate_orders`).WillReturnError(&pq.Error{Code: "40001"})

	err = updateOrder(context.Background(), db, o, StatusPendingBC)
	require.Error(t, err)
	assert.False(t, errs.IsValidation(err))
	assert.True(t, errs.IsConflict(err))
}
