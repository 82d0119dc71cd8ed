// Package documents stores uploaded purchase order scans. The billing core
// only keeps the returned path; file contents are never parsed.
package documents
