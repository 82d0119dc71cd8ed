// Package cli provides the commune operator command-line interface.
//
// # Overview
//
// The CLI talks to the commune HTTP API and covers the operations support
// staff run by hand: inspecting tenants and quotas, lifecycle transitions,
// audit exports and forcing a pending billing change.
//
// Global flags come before the command:
//
//	commune -server https://commune.internal -actor ops@example.org <command>
//
// COMMUNE_API_URL and COMMUNE_ACTOR provide the defaults.
//
// # Commands
//
//	commune tenant -id 42
//	commune quotas -tenant 42 -kind admin_seats
//	commune suspend -tenant 42 -reason "unpaid invoices"
//	commune archive -tenant 42
//	commune delete -tenant 42 -yes
//	commune audit -tenant 42 -format csv > audit.csv
//	commune apply-change -id 310
//	commune consistency -order 77
//
// API errors are returned as *APIError carrying the status and error code.
package cli
