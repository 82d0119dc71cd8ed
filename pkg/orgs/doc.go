// Package orgs manages tenants: municipalities (COMMUNE), inter-municipal
// bodies (EPCI) and associations, along with their administrators.
//
// # Parent links
//
// A tenant carries two optional parent links:
//
//   - parent_epci_id attaches a commune to an EPCI. The link is used for quota
//     pooling only: the EPCI's plan and add-ons fund every attached commune.
//     It never implies ownership.
//   - parent_tenant_id marks a sub-organization (an association) owned by
//     another tenant. Sub-organizations count against the owner's
//     sub_organizations allowance.
//
// Parent links must reference an EPCI and must not form a cycle. The checks
// run inside the transaction that writes the link.
//
// # Quota re-check
//
// Operations that consume a constrained resource (CreateSubOrganization,
// AddAdmin) lock the pool owner's tenant row and ask a QuotaChecker for the
// remaining allowance in the same transaction that inserts the new row, so
// that two concurrent requests cannot both pass a stale check.
//
// # Usage
//
//	svc := orgs.NewService(txRunner, resolver, logger)
//	epci, _ := svc.CreateTenant(ctx, &orgs.CreateTenantRequest{Name: "Agglo", Type: orgs.TypeEPCI, PlanID: &planID})
//	commune, _ := svc.CreateTenant(ctx, &orgs.CreateTenantRequest{Name: "Ville", Type: orgs.TypeCommune, ParentEPCIID: &epci.ID})
//	assoc, err := svc.CreateSubOrganization(ctx, commune.ID, &orgs.CreateSubOrganizationRequest{Name: "Club"})
//	if errs.IsQuotaExceeded(err) {
//	    // ask the EPCI to buy an add-on
//	}
package orgs
