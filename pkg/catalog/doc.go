// Package catalog is the read-only view of the platform's subscription plans
// and add-ons: included quantities per constrained resource, prices per
// billing interval, and per-plan add-on price overrides.
//
// The catalog is owned by the platform operator and never written by tenant
// operations. Three implementations share the Catalog interface: Postgres
// reads the tables directly, Cached fronts any Catalog with an expiring LRU,
// and Static serves a snapshot held in memory.
package catalog
