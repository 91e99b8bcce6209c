// internal/browser/tab.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/config"
)

// ErrNoSuchElement is returned when a selector matches nothing.
var ErrNoSuchElement = errors.New("no such node")

// EventKind distinguishes tab lifecycle events.
type EventKind int

const (
	// EventNavigated fires when the main frame commits a new document. The
	// previous document's scripts and state are gone at this point.
	EventNavigated EventKind = iota
	// EventReady fires when the new document finished loading.
	EventReady
)

func (k EventKind) String() string {
	if k == EventReady {
		return "ready"
	}
	return "navigated"
}

// Event is a main-frame lifecycle event of a tab.
type Event struct {
	Kind     EventKind
	TargetID string
	FromURL  string
	URL      string
}

const eventBuffer = 64

// Tab is one page target.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     string
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu      sync.Mutex
	url     string
	events  chan Event
	closed  bool
	closeMu sync.Once
}

func newTab(ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) *Tab {
	id := string(chromedp.FromContext(ctx).Target.TargetID)
	t := &Tab{
		ctx:    ctx,
		cancel: cancel,
		id:     id,
		cfg:    cfg,
		logger: logger.With(zap.String("target_id", id)),
		events: make(chan Event, eventBuffer),
	}
	chromedp.ListenTarget(ctx, t.onTargetEvent)
	return t
}

// ID is the CDP target id.
func (t *Tab) ID() string { return t.id }

// Events delivers main-frame navigations and loads. It is closed with the tab.
func (t *Tab) Events() <-chan Event { return t.events }

// onTargetEvent runs on chromedp's event loop and must not block.
func (t *Tab) onTargetEvent(ev interface{}) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		t.mu.Lock()
		from := t.url
		t.url = e.Frame.URL
		t.mu.Unlock()
		t.emit(Event{Kind: EventNavigated, TargetID: t.id, FromURL: from, URL: e.Frame.URL})
	case *page.EventLoadEventFired:
		t.mu.Lock()
		url := t.url
		t.mu.Unlock()
		t.emit(Event{Kind: EventReady, TargetID: t.id, URL: url})
	}
}

func (t *Tab) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("Tab event dropped, consumer is not keeping up.", zap.Stringer("kind", ev.Kind), zap.String("url", ev.URL))
	}
}

func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

// Evaluate runs script in the page and decodes its JSON result into out.
// out may be nil to discard the result.
func (t *Tab) Evaluate(ctx context.Context, script string, out interface{}) error {
	return t.run(ctx, chromedp.Evaluate(script, out))
}

const clickScript = `(() => {
  const el = document.querySelector(%q);
  if (!el) return false;
  el.scrollIntoView({block: 'center', inline: 'center'});
  el.click();
  return true;
})()`

const focusScript = `(() => {
  const el = document.querySelector(%q);
  if (!el) return false;
  el.scrollIntoView({block: 'center', inline: 'center'});
  el.focus();
  if ('value' in el) {
    el.value = '';
    el.dispatchEvent(new Event('input', {bubbles: true}));
  } else if (el.isContentEditable) {
    el.textContent = '';
  }
  return true;
})()`

// Click activates the element matching selector. The click is dispatched from
// inside the page so it reaches the element through the interaction overlay.
func (t *Tab) Click(ctx context.Context, selector string) error {
	var found bool
	if err := t.Evaluate(ctx, fmt.Sprintf(clickScript, selector), &found); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	if !found {
		return fmt.Errorf("click %s: %w", selector, ErrNoSuchElement)
	}
	return nil
}

// Type focuses the element matching selector, clears it and types value as
// key events.
func (t *Tab) Type(ctx context.Context, selector, value string) error {
	var found bool
	if err := t.Evaluate(ctx, fmt.Sprintf(focusScript, selector), &found); err != nil {
		return fmt.Errorf("focus %s: %w", selector, err)
	}
	if !found {
		return fmt.Errorf("focus %s: %w", selector, ErrNoSuchElement)
	}
	if value == "" {
		return nil
	}
	if err := t.run(ctx, chromedp.SendKeys(selector, value, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

// Screenshot captures the viewport as PNG.
func (t *Tab) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := t.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// Navigate loads url and waits for the load event, bounded by the configured
// navigation timeout.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	timeout := t.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := t.run(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// URL returns the current main-frame location.
func (t *Tab) URL(ctx context.Context) (string, error) {
	var url string
	if err := t.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// Close closes the target and the events channel.
func (t *Tab) Close() {
	t.closeMu.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.events)
		t.mu.Unlock()
		t.cancel()
	})
}
