// internal/engine/lifecycle.go
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/snapshot"
)

// ArtifactAttribute marks every element the engine adds to a page.
const ArtifactAttribute = "data-pilot-artifact"

const setupScript = `(() => {
  if (document.querySelector('[data-pilot-artifact="overlay"]')) return true;
  const overlay = document.createElement('div');
  overlay.setAttribute('data-pilot-artifact', 'overlay');
  overlay.style.cssText = 'position:fixed;inset:0;z-index:2147483646;background:transparent;cursor:progress;';
  const block = e => { if (e.isTrusted) { e.stopPropagation(); e.preventDefault(); } };
  ['click', 'mousedown', 'mouseup', 'keydown', 'keypress', 'wheel', 'touchstart'].forEach(t =>
    overlay.addEventListener(t, block, true));
  const banner = document.createElement('div');
  banner.setAttribute('data-pilot-artifact', 'banner');
  banner.textContent = 'Automation in progress';
  banner.style.cssText = 'position:fixed;top:8px;right:8px;z-index:2147483647;padding:6px 10px;' +
    'font:12px sans-serif;color:#fff;background:rgba(20,20,20,.8);border-radius:4px;pointer-events:none;';
  document.documentElement.appendChild(overlay);
  document.documentElement.appendChild(banner);
  return true;
})()`

const teardownScript = `(() => {
  for (const name of ['banner', 'overlay']) {
    const el = document.querySelector('[data-pilot-artifact="' + name + '"]');
    if (el) el.remove();
  }
  return true;
})()`

// sweepScript removes everything the engine may have left behind.
const sweepScript = `(() => {
  document.querySelectorAll('[data-pilot-artifact]').forEach(el => el.remove());
  document.querySelectorAll('[' + %q + ']').forEach(el => el.removeAttribute(%q));
  return true;
})()`

const teardownTimeout = 5 * time.Second

// Lifecycle engages the interaction-blocking environment around a run.
type Lifecycle struct {
	page   snapshot.Evaluator
	logger *zap.Logger

	mu     sync.Mutex
	active bool
	setups int
}

// NewLifecycle creates a Lifecycle for page.
func NewLifecycle(page snapshot.Evaluator, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{page: page, logger: logger.Named("lifecycle")}
}

// Setup blocks user interaction and shows the status banner. Calling it again
// while set up does nothing.
func (l *Lifecycle) Setup(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		l.logger.Warn("Lifecycle already set up, ignoring.")
		return nil
	}
	if err := l.page.Evaluate(ctx, setupScript, nil); err != nil {
		l.sweep(ctx)
		return fmt.Errorf("failed to engage interaction blocking: %w", err)
	}
	l.active = true
	l.setups++
	return nil
}

// Teardown releases what Setup engaged. If the normal release fails every
// artifact is swept. It runs even when ctx is already canceled.
func (l *Lifecycle) Teardown(ctx context.Context) error {
	return l.release(ctx, nil)
}

// TeardownOnError is Teardown after a failed run; it always sweeps.
func (l *Lifecycle) TeardownOnError(ctx context.Context, cause error) error {
	return l.release(ctx, cause)
}

func (l *Lifecycle) release(ctx context.Context, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return nil
	}
	l.active = false

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	err := l.page.Evaluate(cleanupCtx, teardownScript, nil)
	if err != nil {
		l.logger.Warn("Teardown failed, sweeping artifacts.", zap.Error(err))
	}
	if err != nil || cause != nil {
		if sweepErr := l.sweep(cleanupCtx); sweepErr != nil {
			return fmt.Errorf("failed to release interaction blocking: %w", sweepErr)
		}
	}
	return nil
}

// SweepArtifacts removes every engine artifact unconditionally.
func (l *Lifecycle) SweepArtifacts(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = false
	return l.sweep(ctx)
}

func (l *Lifecycle) sweep(ctx context.Context) error {
	err := l.page.Evaluate(ctx, fmt.Sprintf(sweepScript, snapshot.IndexAttribute, snapshot.IndexAttribute), nil)
	if err != nil {
		l.logger.Error("Artifact sweep failed.", zap.Error(err))
	}
	return err
}

// Active reports whether the environment is engaged.
func (l *Lifecycle) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
