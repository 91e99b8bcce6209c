// internal/snapshot/snapshot.go
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/poll"
)

// IndexAttribute tags each enumerated element with its snapshot position.
const IndexAttribute = "data-pilot-index"

// Evaluator runs a script in the page and decodes its JSON result into out.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, out interface{}) error
}

// enumerateScript lists visible, enabled, interactable elements in document
// order, re-tags them with their index and returns their outer HTML.
const enumerateScript = `(() => {
  const max = %d;
  const attr = %q;
  document.querySelectorAll('[' + attr + ']').forEach(el => el.removeAttribute(attr));
  const selector = [
    'a[href]', 'button', 'input:not([type=hidden])', 'select', 'textarea', 'summary',
    '[role=button]', '[role=link]', '[role=checkbox]', '[role=radio]', '[role=tab]',
    '[role=menuitem]', '[role=option]', '[role=switch]', '[contenteditable=""]',
    '[contenteditable=true]', '[onclick]', '[tabindex]:not([tabindex="-1"])'
  ].join(',');
  const visible = el => {
    const r = el.getBoundingClientRect();
    if (r.width <= 0 || r.height <= 0) return false;
    const s = window.getComputedStyle(el);
    return s.visibility !== 'hidden' && s.display !== 'none' && parseFloat(s.opacity || '1') > 0;
  };
  const out = [];
  for (const el of document.querySelectorAll(selector)) {
    if (out.length >= max) break;
    if (el.closest('[data-pilot-artifact]')) continue;
    if (el.disabled || el.getAttribute('aria-disabled') === 'true') continue;
    if (!visible(el)) continue;
    el.setAttribute(attr, String(out.length));
    out.push(el.outerHTML.slice(0, 4000));
  }
  return { url: location.href, elements: out };
})()`

const readyStateScript = `document.readyState`

type enumeration struct {
	URL      string   `json:"url"`
	Elements []string `json:"elements"`
}

// Snapshotter builds the indexed element list for one loop iteration.
type Snapshotter struct {
	page   Evaluator
	cfg    config.EngineConfig
	logger *zap.Logger
}

// New creates a Snapshotter over page.
func New(page Evaluator, cfg config.EngineConfig, logger *zap.Logger) *Snapshotter {
	return &Snapshotter{page: page, cfg: cfg, logger: logger.Named("snapshot")}
}

// AwaitReady waits until the document reports readyState "complete". Giving up
// after the configured timeout is logged and is not an error; only ctx ending
// is reported.
func (s *Snapshotter) AwaitReady(ctx context.Context) error {
	start := time.Now()
	err := poll.Until(ctx, s.cfg.ReadyPollInterval, s.cfg.ReadyTimeout, func(ctx context.Context) (bool, error) {
		var state string
		if err := s.page.Evaluate(ctx, readyStateScript, &state); err != nil {
			// The document may be between loads; keep asking.
			s.logger.Debug("Ready state check failed.", zap.Error(err))
			return false, nil
		}
		return state == "complete", nil
	})
	switch {
	case err == nil:
		s.logger.Debug("Page is ready.", zap.Duration("waited", time.Since(start)))
		return nil
	case errors.Is(err, poll.ErrTimeout):
		s.logger.Warn("Page did not become ready in time, proceeding anyway.", zap.Duration("timeout", s.cfg.ReadyTimeout))
		return nil
	default:
		return err
	}
}

// ListElements enumerates the page's interactable elements. An empty page is a
// *automation.NoInteractiveElementsError.
func (s *Snapshotter) ListElements(ctx context.Context) ([]automation.ElementDescriptor, error) {
	max := s.cfg.MaxElements
	if max <= 0 {
		max = 250
	}
	var result enumeration
	if err := s.page.Evaluate(ctx, fmt.Sprintf(enumerateScript, max, IndexAttribute), &result); err != nil {
		return nil, fmt.Errorf("failed to enumerate elements: %w", err)
	}
	if len(result.Elements) == 0 {
		return nil, &automation.NoInteractiveElementsError{URL: result.URL}
	}

	elements := make([]automation.ElementDescriptor, len(result.Elements))
	for i, raw := range result.Elements {
		elements[i] = automation.ElementDescriptor{Index: i, Markup: Compact(raw, s.cfg.MaxMarkupLength)}
	}
	s.logger.Debug("Snapshot taken.", zap.String("url", result.URL), zap.Int("elements", len(elements)))
	return elements, nil
}

// Selector returns the CSS selector that resolves index in the current snapshot.
func Selector(index int) string {
	return fmt.Sprintf(`[%s="%d"]`, IndexAttribute, index)
}

// Markups extracts the markup strings in index order.
func Markups(elements []automation.ElementDescriptor) []string {
	out := make([]string, len(elements))
	for i, e := range elements {
		out[i] = e.Markup
	}
	return out
}
