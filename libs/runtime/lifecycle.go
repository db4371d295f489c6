package runtime

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"
)

func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Closer is one step of an ordered shutdown.
type Closer struct {
	Name  string
	Close func(context.Context) error
}

// Shutdown runs closers in order, each under its own deadline, and logs failures.
// Callers list the traffic source first (HTTP server) and its dependencies after
// it, so nothing is torn down while requests still need it.
func Shutdown(logger *slog.Logger, timeout time.Duration, closers ...Closer) {
	for _, c := range closers {
		if c.Close == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := c.Close(ctx); err != nil {
			logger.Error("shutdown step failed", "step", c.Name, "err", err)
		} else {
			logger.Info("shutdown step done", "step", c.Name)
		}
		cancel()
	}
}
