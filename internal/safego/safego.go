// Package safego provides panic-recovering goroutine launchers for best-effort
// background work such as sending license emails after a request has returned.
package safego

import (
	"context"
	"log/slog"
	"time"
)

// Go launches fn in a new goroutine. A panic in fn is recovered and logged
// with the task name instead of crashing the process.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "task", name, "panic", r)
			}
		}()
		fn()
	}()
}

// GoDetached runs fn in a new goroutine with a context that keeps ctx's values
// (request id, logger attributes) but not its cancellation, bounded by timeout.
// Use it for work that must outlive the request that started it.
func GoDetached(ctx context.Context, name string, timeout time.Duration, fn func(context.Context)) {
	detached := context.WithoutCancel(ctx)
	Go(name, func() {
		runCtx, cancel := context.WithTimeout(detached, timeout)
		defer cancel()
		fn(runCtx)
	})
}
