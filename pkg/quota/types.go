package quota

import "github.com/platinummonkey/commune/pkg/catalog"

// Quota is the resolved allowance of one resource kind for one tenant
type Quota struct {
	TenantID  int64                `json:"tenant_id"`
	Kind      catalog.ResourceKind `json:"resource_kind"`
	FundedBy  int64                `json:"funded_by"`
	Inherited bool                 `json:"inherited"`
	Used      int64                `json:"used"`
	Allowed   int64                `json:"allowed"`
	Remaining int64                `json:"remaining"`
	Breakdown Breakdown            `json:"breakdown"`
}

// Breakdown shows where Allowed comes from
type Breakdown struct {
	PlanIncluded    int64  `json:"plan_included"`
	Addons          int64  `json:"addons"`
	Legacy          int64  `json:"legacy"`
	AddonsSource    string `json:"addons_source"`
	SnapshotOrderID *int64 `json:"snapshot_order_id,omitempty"`
}

// Add-on sources
const (
	SourceTenantAddons  = "tenant_addons"
	SourceOrderSnapshot = "mandate_order_snapshot"
	SourceNone          = "none"
)

func remaining(allowed, used int64) int64 {
	if used >= allowed {
		return 0
	}
	return allowed - used
}
