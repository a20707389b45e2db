package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// RequestIDKey is the context key for storing request IDs
	RequestIDKey ContextKey = "request_id"
)

// RequestID middleware generates or extracts a unique request ID for each
// request and adds it to the context, so a single tile/style/font request
// can be correlated across the access log and any upstream-fetch or seed
// log lines it triggers.
//
// Usage:
//
//	r.Use(middleware.RequestID)
//
// Extracting in handlers:
//
//	requestID := middleware.GetRequestID(ctx)
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse an upstream proxy/load-balancer-assigned id when present.
		requestID := r.Header.Get("X-Request-ID")

		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found (shouldn't happen if middleware is installed)
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetRequestIDOrGenerate retrieves the request ID from context, or generates
// a new one if not found — a fallback for code paths reached outside the
// HTTP middleware chain (e.g. the seed/cleanup CLI's background workers).
func GetRequestIDOrGenerate(ctx context.Context) string {
	requestID := GetRequestID(ctx)
	if requestID == "" {
		return uuid.New().String()
	}
	return requestID
}

// ParseRequestID parses a request ID string into a UUID.
// Returns error if the string is not a valid UUID
func ParseRequestID(requestID string) (uuid.UUID, error) {
	return uuid.Parse(requestID)
}
