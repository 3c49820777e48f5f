// Package contextkeys defines every request context key used by vcboard.
//
//	ctx = contextkeys.WithSubject(ctx, subject)
//	subject, _ := ctx.Value(contextkeys.SubjectKey).(*permissions.Subject)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// SubjectKey contains *permissions.Subject
	// Set by: permissions.IdentityMiddleware
	// Required by: permission-gated routes, watch routes
	SubjectKey Key = "subject"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	RequestIDKey Key = "request_id"

	// LoggerKey contains a request-scoped logrus.FieldLogger
	// Set by: httputil.LoggingMiddleware
	LoggerKey Key = "logger"

	// ForumKey contains the *forums.Forum a permission check resolved
	// Set by: permissions.RequirePermission
	ForumKey Key = "forum"
)

// WithSubject adds the resolved subject to the context
func WithSubject(ctx context.Context, subject interface{}) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithForum adds the checked forum to the context
func WithForum(ctx context.Context, forum interface{}) context.Context {
	return context.WithValue(ctx, ForumKey, forum)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
