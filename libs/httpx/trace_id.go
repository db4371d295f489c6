package httpx

import (
	"net/http"

	"github.com/md-rashed-zaman/userevents/libs/tracectx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// RequestIDHeader may be sent by callers to seed the trace id.
	RequestIDHeader = "X-Request-Id"
	// TraceIDHeader is set on every response.
	TraceIDHeader = "X-Trace-Id"
)

// WithTraceID resolves the request's trace id, binds it to the request context
// and echoes it back before any handler writes.
func WithTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := tracectx.Resolve(r.Header.Get(RequestIDHeader))
		w.Header().Set(TraceIDHeader, id)

		ctx := tracectx.With(r.Context(), id)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.trace_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
