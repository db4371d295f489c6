package httpx

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// WithRecover turns a handler panic into a logged 500 instead of a dropped
// connection. http.ErrAbortHandler is re-raised untouched.
func WithRecover(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusCapturingResponseWriter{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "request failed",
					"method", r.Method,
					"path", r.URL.Path,
					"err", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
				)
				if sw.status == 0 {
					WriteError(sw, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(sw, r)
		})
	}
}
