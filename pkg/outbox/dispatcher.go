package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/commune/pkg/async"
	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/storage"
)

// DispatcherConfig tunes a Dispatcher
type DispatcherConfig struct {
	BatchSize   int
	Workers     int
	SendTimeout time.Duration
	// Lease pushes claimed events into the future so that another instance
	// does not pick them up while they are being delivered.
	Lease time.Duration
	Retry RetryConfig
}

// DefaultDispatcherConfig returns the default dispatcher settings
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:   100,
		Workers:     8,
		SendTimeout: 15 * time.Second,
		Lease:       5 * time.Minute,
		Retry:       DefaultRetryConfig(),
	}
}

// Result counts the outcome of one dispatch run
type Result struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// Dispatcher delivers due outbox events
type Dispatcher struct {
	tx      *storage.TxRunner
	sender  Sender
	config  DispatcherConfig
	policy  *RetryPolicy
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(tx *storage.TxRunner, sender Sender, config DispatcherConfig,
	logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.Lease <= 0 {
		config.Lease = defaults.Lease
	}
	return &Dispatcher{
		tx:      tx,
		sender:  sender,
		config:  config,
		policy:  NewRetryPolicy(config.Retry),
		logger:  observability.OrDefault(logger),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the dispatcher's clock
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch claims one batch of due events and delivers it
func (d *Dispatcher) Dispatch(ctx context.Context) (Result, error) {
	var result Result
	events, err := d.claim(ctx)
	if err != nil {
		return result, err
	}
	result.Claimed = len(events)
	if len(events) == 0 {
		return result, nil
	}

	sendErrs := async.Batch(ctx, events, d.config.Workers, "outbox-send", d.config.SendTimeout,
		func(ctx context.Context, e *Event) error {
			return d.sender.Send(ctx, e)
		})

	for i, event := range events {
		outcome, err := d.settle(ctx, event, sendErrs[i])
		if err != nil {
			return result, err
		}
		switch outcome {
		case StatusSent:
			result.Sent++
		case StatusFailed:
			result.Failed++
		default:
			result.Retried++
		}
		d.metrics.OutboxDelivery(string(outcome))
	}
	return result, nil
}

func (d *Dispatcher) claim(ctx context.Context) ([]*Event, error) {
	var events []*Event
	err := d.tx.InTx(ctx, func(tx *sql.Tx) error {
		events = nil
		now := d.now()
		rows, err := tx.QueryContext(ctx, `
			SELECT id, aggregate_type, aggregate_id, event_type, payload, attempts, created_at
			FROM outbox_events
			WHERE status = $1 AND next_attempt_at <= $2
			ORDER BY created_at, id
			LIMIT $3`+d.tx.Dialect().SkipLocked(),
			StatusPending, now, d.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to claim outbox events: %w", err)
		}
		for rows.Next() {
			e := &Event{Status: StatusPending}
			var payload string
			if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.Type, &payload, &e.Attempts, &e.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan outbox event: %w", err)
			}
			e.Payload = json.RawMessage(payload)
			events = append(events, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read outbox events: %w", err)
		}

		leaseUntil := now.Add(d.config.Lease)
		for _, e := range events {
			if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET next_attempt_at = $1 WHERE id = $2`,
				leaseUntil, e.ID); err != nil {
				return fmt.Errorf("failed to lease outbox event: %w", err)
			}
		}
		return nil
	})
	return events, err
}

func (d *Dispatcher) settle(ctx context.Context, event *Event, sendErr error) (Status, error) {
	now := d.now()
	attempts := event.Attempts + 1

	if sendErr == nil {
		_, err := d.tx.DB().ExecContext(ctx, `
			UPDATE outbox_events SET status = $1, attempts = $2, sent_at = $3, last_error = ''
			WHERE id = $4
		`, StatusSent, attempts, now, event.ID)
		if err != nil {
			return "", fmt.Errorf("failed to mark outbox event sent: %w", err)
		}
		return StatusSent, nil
	}

	logger := d.logger.WithError(sendErr).WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"attempts":   attempts,
	})

	status := StatusPending
	next := now.Add(d.policy.NextRetryDelay(attempts))
	if !d.policy.ShouldRetry(attempts) {
		status = StatusFailed
		logger.Error("notification delivery abandoned")
	} else {
		logger.Warn("notification delivery failed")
	}

	_, err := d.tx.DB().ExecContext(ctx, `
		UPDATE outbox_events SET status = $1, attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $5
	`, status, attempts, next, sendErr.Error(), event.ID)
	if err != nil {
		return "", fmt.Errorf("failed to reschedule outbox event: %w", err)
	}
	return status, nil
}
