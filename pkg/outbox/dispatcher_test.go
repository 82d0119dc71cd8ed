package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/storage/storagetest"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail map[string]error
}

func (s *recordingSender) Send(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[event.ID]; err != nil {
		return err
	}
	s.sent = append(s.sent, event.ID)
	return nil
}

func enqueue(t *testing.T, db *sql.DB, aggregateID int64, at time.Time) *Event {
	t.Helper()
	e, err := Enqueue(context.Background(), db, AggregateTenant, aggregateID, EventTenantSuspended,
		map[string]interface{}{"tenant_id": aggregateID}, at)
	require.NoError(t, err)
	return e
}

func TestEnqueue_CommitsWithTransaction(t *testing.T) {
	db := storagetest.NewDB(t)
	txr := storagetest.NewTxRunner(db)
	ctx := context.Background()
	now := storagetest.Date(2024, time.March, 1)

	var committed, rolledBack *Event
	require.NoError(t, txr.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		committed, err = Enqueue(ctx, tx, AggregateTenant, 1, EventTenantArchived, map[string]int{"tenant_id": 1}, now)
		return err
	}))
	err := txr.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		rolledBack, err = Enqueue(ctx, tx, AggregateTenant, 2, EventTenantArchived, nil, now)
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := Get(ctx, db, committed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.JSONEq(t, `{"tenant_id":1}`, string(got.Payload))

	_, err = Get(ctx, db, rolledBack.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestDispatcher_DeliversDueEvents(t *testing.T) {
	db := storagetest.NewDB(t)
	ctx := context.Background()
	now := storagetest.Date(2024, time.March, 1)

	due := enqueue(t, db, 1, now.Add(-time.Minute))
	later := enqueue(t, db, 2, now.Add(time.Hour))

	sender := &recordingSender{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(storagetest.NewTxRunner(db), sender, DispatcherConfig{Workers: 2}, observability.Nop(), metrics).
		WithClock(func() time.Time { return now })

	result, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Sent: 1}, result)
	assert.Equal(t, []string{due.ID}, sender.sent)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OutboxDeliveriesTotal.WithLabelValues(string(StatusSent))))

	got, err := Get(ctx, db, due.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.SentAt)

	pending, err := Get(ctx, db, later.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	result, err = d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
}

func TestDispatcher_FailureReschedulesThenGivesUp(t *testing.T) {
	db := storagetest.NewDB(t)
	ctx := context.Background()
	now := storagetest.Date(2024, time.March, 1)

	event := enqueue(t, db, 1, now)
	sender := &recordingSender{fail: map[string]error{event.ID: errors.New("smtp relay down")}}
	clock := now
	d := NewDispatcher(storagetest.NewTxRunner(db), sender,
		DispatcherConfig{Retry: RetryConfig{MaxAttempts: 2, InitialDelay: time.Minute}}, observability.Nop(), nil).
		WithClock(func() time.Time { return clock })

	result, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)

	got, err := Get(ctx, db, event.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "smtp relay down", got.LastError)
	assert.True(t, now.Add(time.Minute).Equal(got.NextAttemptAt))

	result, err = d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed, "not due before the backoff elapses")

	clock = now.Add(2 * time.Minute)
	result, err = d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err = Get(ctx, db, event.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)

	clock = now.Add(24 * time.Hour)
	result, err = d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
}
