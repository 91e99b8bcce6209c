package browser

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/automation"
)

// Evaluator runs a script in the page.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, out interface{}) error
}

const highlightScript = `(() => {
  const el = document.querySelector(%q);
  if (!el) return false;
  el.scrollIntoView({block: 'center', inline: 'center'});
  const prev = el.style.outline;
  el.style.outline = '3px solid %s';
  setTimeout(() => { el.style.outline = prev; }, %d);
  return true;
})()`

// Highlighter outlines the target element before each interaction so a
// watching user can follow along. It satisfies engine.Feedback.
type Highlighter struct {
	page   Evaluator
	pause  time.Duration
	logger *zap.Logger
}

// NewHighlighter returns a Highlighter that holds each outline for pause.
func NewHighlighter(page Evaluator, pause time.Duration, logger *zap.Logger) *Highlighter {
	return &Highlighter{page: page, pause: pause, logger: logger.Named("highlight")}
}

func (h *Highlighter) BeforeInteraction(ctx context.Context, kind automation.ActionKind, selector string) error {
	if selector == "" {
		return nil
	}
	color := "#1e88e5"
	if kind == automation.ActionType {
		color = "#43a047"
	}
	var found bool
	script := fmt.Sprintf(highlightScript, selector, color, h.pause.Milliseconds()+250)
	if err := h.page.Evaluate(ctx, script, &found); err != nil {
		return err
	}
	if !found {
		return nil
	}
	t := time.NewTimer(h.pause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Highlighter) AfterInteraction(ctx context.Context, kind automation.ActionKind, selector string, outcome automation.ActionOutcome) {
	h.logger.Debug("Interaction finished.",
		zap.String("kind", string(kind)),
		zap.String("selector", selector),
		zap.String("status", string(outcome.Status)))
}
