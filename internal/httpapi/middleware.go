package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/reqcontext"
)

type loggerKey struct{}

// RequestIDMiddleware uses a valid client X-Request-Id or generates a UUID,
// echoes it in the response and stores it in the request context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := reqcontext.GetOrGenerateRequestID(r.Header.Get(reqcontext.RequestIDHeader))

		// Set before next so the header survives a panic.
		w.Header().Set(reqcontext.RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(reqcontext.WithRequestID(r.Context(), requestID)))
	})
}

// CorrelationIDMiddleware tags the request as coming from the REST API.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = reqcontext.GenerateCorrelationID()
		}
		ctx := reqcontext.WithCorrelationID(r.Context(), correlationID)
		ctx = reqcontext.WithRequestSource(ctx, reqcontext.SourceRESTAPI)
		w.Header().Set("X-Correlation-ID", correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDLoggerMiddleware stores a logger carrying the request and
// correlation ids. Register it after RequestIDMiddleware.
func RequestIDLoggerMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestLogger := logger.With("request_id", reqcontext.GetRequestID(ctx))
			if correlationID := reqcontext.GetCorrelationID(ctx); correlationID != "" {
				requestLogger = requestLogger.With("correlation_id", correlationID)
			}
			next.ServeHTTP(w, r.WithContext(WithLogger(ctx, requestLogger)))
		})
	}
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from context, or returns a nop logger if not found
func GetLogger(ctx context.Context) *zap.SugaredLogger {
	if ctx == nil {
		return zap.NewNop().Sugar()
	}
	if logger, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok && logger != nil {
		return logger
	}
	return zap.NewNop().Sugar()
}
