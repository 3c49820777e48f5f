// Package httputil holds the JSON response helpers, request parsing helpers and
// HTTP middleware shared by the vcboard handlers.
//
// Error responses are always a JSON object with a single "error" field:
//
//	httputil.WriteBadRequest(w, "forum_id is required")
//	httputil.WriteForbidden(w, "permission denied")
//
// Requests pass through RequestIDMiddleware, LoggingMiddleware and
// RecoveryMiddleware, in that order:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
package httputil
