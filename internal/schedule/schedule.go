package schedule

import (
	"context"
	"time"
)

// RunAt calls execute at runAt in its own goroutine. A runAt in the past
// runs immediately. If ctx ends first, execute is never called.
// The returned channel is closed once the goroutine is done.
func RunAt(ctx context.Context, runAt time.Time, execute func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if delay := time.Until(runAt); delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		execute(ctx)
	}()
	return done
}
