// internal/browser/context_utils.go
package browser

import (
	"context"
)

// CombineContext returns a context that carries the values and lifetime of
// tabCtx and is also canceled when opCtx is. chromedp looks its target up
// through context values, so tabCtx must be the primary parent; opCtx only
// contributes a deadline or cancellation.
func CombineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	if deadline, ok := opCtx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		combined, cancelDeadline = context.WithDeadline(combined, deadline)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}

	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
