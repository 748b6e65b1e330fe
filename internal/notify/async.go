package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/fiatbridge/internal/metrics"
)

// Async runs deliveries in the background so callers never wait on, or
// fail because of, a notification sink.
type Async struct {
	next    Dispatcher
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps next. Each delivery gets its own timeout.
func NewAsync(next Dispatcher, timeout time.Duration, logger *slog.Logger) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Deliver implements Dispatcher. It always returns nil.
func (a *Async) Deliver(ctx context.Context, userID string, event Event, n Notification) error {
	// Detach from the request so delivery outlives the response.
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("panic in notification delivery", "event", event, "panic", r)
				metrics.NotificationsTotal.WithLabelValues("async", "panic").Inc()
			}
		}()

		dctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		if err := a.next.Deliver(dctx, userID, event, n); err != nil {
			a.logger.Warn("notification delivery failed", "event", event, "user_id", userID, "error", err)
			metrics.NotificationsTotal.WithLabelValues("async", "error").Inc()
			return
		}
		metrics.NotificationsTotal.WithLabelValues("async", "ok").Inc()
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
