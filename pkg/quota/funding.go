package quota

import "github.com/platinummonkey/commune/pkg/orgs"

// Funding says whose plan and add-ons fund a tenant's allowance
type Funding interface {
	funding()
}

// Standalone funding: the tenant pays for itself
type Standalone struct {
	Tenant *orgs.Tenant
}

// InheritsFrom funding: the tenant draws on its EPCI's pool
type InheritsFrom struct {
	ParentID int64
}

func (Standalone) funding()   {}
func (InheritsFrom) funding() {}

// FundingOf classifies t
func FundingOf(t *orgs.Tenant) Funding {
	if t.ParentEPCIID != nil {
		return InheritsFrom{ParentID: *t.ParentEPCIID}
	}
	return Standalone{Tenant: t}
}
