// Package reqcontext carries per-request metadata through contexts: request
// ids, correlation ids and where a request came from.
package reqcontext

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// ContextKey is the type for context keys to avoid collisions
type ContextKey string

const (
	// CorrelationIDKey is the context key for correlation IDs
	CorrelationIDKey ContextKey = "correlation_id"
	// RequestSourceKey is the context key for request source
	RequestSourceKey ContextKey = "request_source"
	// RequestIDKey is the context key for request IDs
	RequestIDKey ContextKey = "request_id"
)

// RequestSource indicates where a tunnel operation originated
type RequestSource string

// Request sources.
const (
	SourceRESTAPI   RequestSource = "REST_API"
	SourceCLI       RequestSource = "CLI"
	SourceAutoStart RequestSource = "AUTOSTART"
	SourceUnknown   RequestSource = "UNKNOWN"
)

// GenerateCorrelationID returns a new time-ordered correlation ID.
func GenerateCorrelationID() string {
	return ulid.Make().String()
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestSource adds request source to the context
func WithRequestSource(ctx context.Context, source RequestSource) context.Context {
	return context.WithValue(ctx, RequestSourceKey, source)
}

// GetRequestSource retrieves the request source from context
func GetRequestSource(ctx context.Context) RequestSource {
	if ctx == nil {
		return SourceUnknown
	}
	if source, ok := ctx.Value(RequestSourceKey).(RequestSource); ok {
		return source
	}
	return SourceUnknown
}

// WithMetadata adds a fresh correlation ID and the request source
func WithMetadata(ctx context.Context, source RequestSource) context.Context {
	ctx = WithCorrelationID(ctx, GenerateCorrelationID())
	return WithRequestSource(ctx, source)
}
