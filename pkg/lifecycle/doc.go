// Package lifecycle moves tenants through ACTIVE, SUSPENDED and ARCHIVED and
// deletes archived tenants.
//
// Suspend, Unsuspend and Archive only change the tenant's own status; children
// are left alone. DeleteArchivedTenant removes an ARCHIVED tenant together
// with every tenant linked beneath it, in one transaction:
//
//   - financial documents are archived in place and detached from the tenant
//   - operational rows (content, registrations, domains, users) are deleted
//   - parent links pointing at the tenant are cleared
//   - the tenant row is deleted
//
// Parent links are operator-edited and may form cycles. The descent keeps a
// visited set; a tenant reached twice is reported as a cycle branch and
// skipped.
package lifecycle
