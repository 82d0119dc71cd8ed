// Package audit records the append-only trail of tenant lifecycle and
// organization changes.
//
// Events are written through the caller's transaction so that a state change
// and its audit row commit or roll back together. The audit_events table has
// no foreign key on tenant_id: the trail outlives a deleted tenant.
//
// The trail can be exported as JSON, newline-delimited JSON or CSV for
// retention and legal requests.
package audit
