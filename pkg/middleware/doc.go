// Package middleware provides the request gating middleware of the API server.
//
// ActorMiddleware copies the identity set by the upstream auth proxy (X-Actor)
// into the request context, where services read it for audit and activity rows.
// TenantGate resolves the {tenantID} route variable to a tenant. The rate limiters key
// requests by actor, falling back to client IP:
//
//	limiter := middleware.NewRateLimitMiddleware(nil, nil)
//	router.Use(middleware.ActorMiddleware(true), limiter.Handler)
//
// DistributedRateLimitMiddleware shares the counters through Redis and fails
// open when Redis is unreachable.
package middleware
