// Package tracectx carries the request correlation id through a context.Context.
//
// The id is seeded once per inbound unit of work (an HTTP request, a consumed
// message) and read back by everything reached from it: logging, the service
// layer and the event publisher. Nothing is stored outside the context, so
// concurrent requests never observe each other's ids.
package tracectx

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Unknown is reported when no id was bound to the context.
const Unknown = "unknown"

// LogKey is the attribute name used in logs and message headers.
const LogKey = "trace_id"

type ctxKey struct{}

// Resolve returns the inbound value when it is non-blank, otherwise a fresh id.
func Resolve(inbound string) string {
	if v := strings.TrimSpace(inbound); v != "" {
		return v
	}
	return New()
}

func New() string {
	return uuid.NewString()
}

func With(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}

func OrUnknown(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return Unknown
}
