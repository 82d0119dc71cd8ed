package quota

import (
	"github.com/platinummonkey/commune/pkg/catalog"
	"github.com/platinummonkey/commune/pkg/orgs"
)

// poolMembers selects the pool owner ($1) and every commune attached to it
const poolMembers = `SELECT id FROM tenants WHERE id = $1 OR parent_epci_id = $1`

type kindSpec struct {
	// usage counts consumed units across the pool owned by $1
	usage  string
	legacy func(*orgs.Tenant) int64
}

var kinds = map[catalog.ResourceKind]kindSpec{
	catalog.SubOrganizations: {
		usage:  `SELECT COUNT(*) FROM tenants WHERE parent_tenant_id IN (` + poolMembers + `)`,
		legacy: func(t *orgs.Tenant) int64 { return t.LegacyExtraSubOrganizations },
	},
	catalog.AdminSeats: {
		usage:  `SELECT COUNT(*) FROM tenant_users WHERE tenant_id IN (` + poolMembers + `) AND role = 'ADMIN'`,
		legacy: func(t *orgs.Tenant) int64 { return t.LegacyExtraAdminSeats },
	},
}

// Kinds returns the resource kinds the resolver knows
func Kinds() []catalog.ResourceKind {
	return []catalog.ResourceKind{catalog.SubOrganizations, catalog.AdminSeats}
}

// KnownKind reports whether kind has a lookup entry
func KnownKind(kind catalog.ResourceKind) bool {
	_, ok := kinds[kind]
	return ok
}
