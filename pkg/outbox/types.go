package outbox

import (
	"encoding/json"
	"time"
)

// Status of an outbox event
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// EventType names a notification
type EventType string

const (
	EventMandateAccepted   EventType = "mandate_order.accepted"
	EventMandateRejected   EventType = "mandate_order.rejected"
	EventMandateInvoiced   EventType = "mandate_order.invoiced"
	EventTenantSuspended   EventType = "tenant.suspended"
	EventTenantUnsuspended EventType = "tenant.unsuspended"
	EventTenantArchived    EventType = "tenant.archived"
	EventTenantDeleted     EventType = "tenant.deleted"
	EventBillingApplied    EventType = "billing_change.applied"
)

// Aggregate types
const (
	AggregateTenant        = "tenant"
	AggregateMandateOrder  = "mandate_order"
	AggregateBillingChange = "billing_change"
)

// Event is a queued notification
type Event struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   int64           `json:"aggregate_id"`
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"-"`
	Attempts      int             `json:"-"`
	NextAttemptAt time.Time       `json:"-"`
	LastError     string          `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	SentAt        *time.Time      `json:"-"`
}
