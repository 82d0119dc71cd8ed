// Package quota resolves how much of a constrained resource a tenant may use,
// and which features it has.
//
// # Funding
//
// Every tenant is funded one of two ways, see Funding:
//
//   - Standalone: the allowance is the tenant's own plan allowance, plus
//     purchased add-ons, plus legacy direct-purchase columns.
//   - InheritsFrom: the tenant is attached to an EPCI. The EPCI's allowance
//     applies, and usage is pooled: used is the sum over the EPCI and every
//     commune attached to it.
//
// remaining is max(0, allowed-used) and is never negative.
//
// Purchased add-ons come from tenant_addons rows of the resource kind. When a
// tenant has none for that kind, the add-on snapshot of its latest accepted
// mandate order counts instead.
//
// # Resource kinds
//
// The per-kind lookup table in kinds.go holds the usage query and legacy
// column of each kind. A new kind is a new table entry; the funding logic
// does not change.
//
// # Reads
//
// Resolve serves display reads from a replica and, when configured, a Redis
// cache. Decisions go through Check, which resolves within the caller's
// transaction after the caller has locked the pool owner row.
package quota
