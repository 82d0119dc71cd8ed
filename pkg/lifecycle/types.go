package lifecycle

// TransitionRequest carries the operator's reason for a status change
type TransitionRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// CycleBranch is a parent link that led back to a tenant already being deleted
type CycleBranch struct {
	ParentID int64 `json:"parent_id"`
	ChildID  int64 `json:"child_id"`
}

// DeletionReport describes what DeleteArchivedTenant removed
type DeletionReport struct {
	// Deleted lists removed tenants, children before their parents
	Deleted []int64 `json:"deleted"`
	// ArchivedDocuments counts archived financial rows per table
	ArchivedDocuments map[string]int64 `json:"archived_documents"`
	CycleBranches     []CycleBranch    `json:"cycle_branches,omitempty"`
}

// financialTables hold legal documents, archived in place and detached from the tenant
var financialTables = []string{
	"quotes",
	"invoices",
	"mandate_orders",
	"mandate_invoices",
	"credit_notes",
	"billing_changes",
	"ledger_entries",
}

// operationalDeletes remove a tenant's non-financial rows, dependents first.
// Each statement takes the tenant id as $1.
var operationalDeletes = []string{
	`DELETE FROM registrations WHERE tenant_id = $1 OR content_item_id IN (SELECT id FROM content_items WHERE tenant_id = $1)`,
	`DELETE FROM content_items WHERE tenant_id = $1`,
	`DELETE FROM domain_links WHERE tenant_id = $1`,
	`DELETE FROM tenant_feature_assignments WHERE tenant_id = $1`,
	`DELETE FROM tenant_addons WHERE tenant_id = $1`,
	`DELETE FROM tenant_users WHERE tenant_id = $1`,
}
