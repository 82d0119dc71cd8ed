// Package httputil provides the JSON request and response helpers shared by the
// HTTP handlers.
//
// Domain errors are written with WriteError, which maps the errs kind to a
// status code and a machine-readable code:
//
//	if err != nil {
//		httputil.WriteError(w, r, err)
//		return
//	}
//
// Request bodies are decoded strictly and validated against their validate tags:
//
//	var req billing.ScheduleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//
// The middleware assigns request ids and request-scoped loggers:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
