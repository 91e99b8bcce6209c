// internal/engine/cancel.go
package engine

import (
	"sync"
	"sync/atomic"
)

// CancelFlag is the cooperative stop signal of a run. It is only observed at
// checkpoints, so an in-flight decision call finishes before a stop takes effect.
type CancelFlag struct {
	set    atomic.Bool
	mu     sync.Mutex
	reason string
}

// Cancel raises the flag. The first reason wins.
func (f *CancelFlag) Cancel(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set.Load() {
		return
	}
	f.reason = reason
	f.set.Store(true)
}

// Cancelled reports whether the flag is raised.
func (f *CancelFlag) Cancelled() bool { return f.set.Load() }

// Reason returns the reason given to the first Cancel call.
func (f *CancelFlag) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Reset lowers the flag for the next run.
func (f *CancelFlag) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reason = ""
	f.set.Store(false)
}
