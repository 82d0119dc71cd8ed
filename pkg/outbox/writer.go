package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/commune/pkg/storage"
)

// Enqueue writes an event through q, which should be the transaction making
// the change the event describes. The event is due immediately.
func Enqueue(ctx context.Context, q storage.Querier, aggregateType string, aggregateID int64,
	eventType EventType, payload interface{}, now time.Time) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	event := &Event{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       data,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, status,
			attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
	`, event.ID, event.AggregateType, event.AggregateID, event.Type, string(data), event.Status,
		event.NextAttemptAt, event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return event, nil
}

// Get retrieves an event by id
func Get(ctx context.Context, q storage.Querier, id string) (*Event, error) {
	e := &Event{}
	var payload string
	err := q.QueryRowContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, attempts,
			next_attempt_at, last_error, created_at, sent_at
		FROM outbox_events
		WHERE id = $1
	`, id).Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.Type, &payload, &e.Status, &e.Attempts,
		&e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.SentAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox event: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	return e, nil
}
