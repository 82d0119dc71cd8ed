// Package api exposes the tenant, billing, mandate and lifecycle services over
// HTTP as JSON under /v1.
//
// Operator routes require an X-Actor header on mutations and pass through
// TenantGate, so any route carrying {tenantID} answers 404 for unknown tenants
// before its handler runs. Payment processor callbacks are posted to
// /v1/processor/events and authenticated by an HMAC-SHA256 signature of the body
// in X-Processor-Signature instead of an actor.
//
//	server := api.NewServer(api.Services{
//		Tenants:   tenants,
//		Quotas:    resolver,
//		Features:  capabilities,
//		Billing:   billingService,
//		Mandates:  mandates,
//		Lifecycle: lifecycleManager,
//		Documents: scans,
//	}, api.Options{Logger: logger, Metrics: metrics, ProcessorSecret: secret})
//	http.ListenAndServe(":8080", server)
//
// Errors use the httputil.ErrorResponse body; retryable conflicts answer 503
// with Retry-After.
package api
