package middleware

import (
	"context"
	"crypto/rand"
	"net/http"
	"strings"
)

// CorrelationHeader carries the request correlation ID in both directions.
const CorrelationHeader = "X-Correlation-ID"

const maxCorrelationIDLength = 128

// correlationIDKey is the context key for correlation ID.
type correlationIDKey struct{}

// CorrelationID reuses a well-formed X-Correlation-ID from the request or
// mints a new one, echoes it on the response and stores it in the context.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(CorrelationHeader)
			if !validCorrelationID(correlationID) {
				correlationID = rand.Text()
			}

			w.Header().Set(CorrelationHeader, correlationID)

			next.ServeHTTP(w, r.WithContext(WithCorrelationIDValue(r.Context(), correlationID)))
		})
	}
}

// WithCorrelationIDValue stores id in ctx.
func WithCorrelationIDValue(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// GetCorrelationID extracts the correlation ID from the request context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

// validCorrelationID rejects empty, oversized and non-printable IDs so that
// client input never reaches log lines or headers unchecked.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLength {
		return false
	}

	return !strings.ContainsFunc(id, func(r rune) bool {
		return r < 0x21 || r > 0x7e
	})
}
