package audit

import "time"

// Action names a recorded change
type Action string

const (
	ActionTenantCreated       Action = "tenant.created"
	ActionEPCIAttached        Action = "tenant.epci_attached"
	ActionEPCIDetached        Action = "tenant.epci_detached"
	ActionSubOrganizationAdd  Action = "tenant.sub_organization_created"
	ActionAdminAdded          Action = "tenant.admin_added"
	ActionSuspended           Action = "lifecycle.suspended"
	ActionUnsuspended         Action = "lifecycle.unsuspended"
	ActionArchived            Action = "lifecycle.archived"
	ActionDeleted             Action = "lifecycle.deleted"
	ActionDeletionCycleRefuse Action = "lifecycle.delete_cycle_refused"
)

// Event is one audit row
type Event struct {
	ID         int64     `json:"id"`
	TenantID   int64     `json:"tenant_id"`
	Actor      string    `json:"actor"`
	Action     Action    `json:"action"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExportFormat is the encoding of an exported trail
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)
