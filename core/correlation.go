package core

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// correlationIDKey is the context key every HTTP request, WebSocket frame,
// and broker operation hangs its correlation id from. A fresh UUID v4 is
// minted the moment a logical operation begins; everything it fans out to
// carries the same value.
type correlationIDKeyType struct{}

var correlationIDKey = correlationIDKeyType{}

// CorrelationHeader is the HTTP header (and the value reflected back into
// server-sent message frames' requestId field) carrying the correlation id.
const CorrelationHeader = "X-Request-ID"

// NewCorrelationID mints a fresh UUID v4 correlation id.
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID returns a context carrying id as the active correlation
// id for every downstream call.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id carried by ctx, or "" if none.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// CorrelationMiddleware reads X-Request-ID from the incoming request,
// falling back to a freshly minted id, attaches it to the request context,
// and reflects it back on every response so a caller that didn't supply
// one still gets a correlation id to log against.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = NewCorrelationID()
		}
		w.Header().Set(CorrelationHeader, id)
		r = r.WithContext(WithCorrelationID(r.Context(), id))
		next.ServeHTTP(w, r)
	})
}
