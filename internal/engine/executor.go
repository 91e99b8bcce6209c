// internal/engine/executor.go
package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/snapshot"
)

// Page is the live document the engine drives.
type Page interface {
	snapshot.Evaluator
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, value string) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// Feedback receives presentational cues around each physical interaction
// (cursor animation, sounds). Failures are ignored.
type Feedback interface {
	BeforeInteraction(ctx context.Context, kind automation.ActionKind, selector string) error
	AfterInteraction(ctx context.Context, kind automation.ActionKind, selector string, outcome automation.ActionOutcome)
}

// NoFeedback is the Feedback that does nothing.
type NoFeedback struct{}

func (NoFeedback) BeforeInteraction(context.Context, automation.ActionKind, string) error { return nil }
func (NoFeedback) AfterInteraction(context.Context, automation.ActionKind, string, automation.ActionOutcome) {
}

const interactionTimeout = 10 * time.Second

// ElementActionExecutor resolves element indices against the current snapshot
// and performs CLICK and TYPE. It never returns an error: every failure becomes
// a FAIL outcome for the decision service to see.
type ElementActionExecutor struct {
	page     Page
	feedback Feedback
	logger   *zap.Logger
}

// NewElementActionExecutor creates an executor over page.
func NewElementActionExecutor(page Page, feedback Feedback, logger *zap.Logger) *ElementActionExecutor {
	if feedback == nil {
		feedback = NoFeedback{}
	}
	return &ElementActionExecutor{page: page, feedback: feedback, logger: logger.Named("executor")}
}

// Execute performs action against elements.
func (e *ElementActionExecutor) Execute(ctx context.Context, action automation.Action, elements []automation.ElementDescriptor) automation.ActionOutcome {
	if action.TargetElementIndex == nil {
		return automation.Failed("Missing element index for %s", action.Kind)
	}
	idx := *action.TargetElementIndex
	if idx < 0 || idx >= len(elements) {
		return automation.Failed("Invalid element index %d: snapshot has %d elements", idx, len(elements))
	}
	selector := snapshot.Selector(idx)

	if err := e.feedback.BeforeInteraction(ctx, action.Kind, selector); err != nil {
		e.logger.Debug("Feedback cue failed.", zap.Error(err))
	}

	opCtx, cancel := context.WithTimeout(ctx, interactionTimeout)
	defer cancel()

	var err error
	switch action.Kind {
	case automation.ActionClick:
		err = e.page.Click(opCtx, selector)
	case automation.ActionType:
		err = e.page.Type(opCtx, selector, action.Value)
	default:
		return automation.Failed("%s is not an element interaction", action.Kind)
	}

	outcome := automation.Succeeded()
	if err != nil {
		outcome = automation.Failed("%s on element %d failed: %s", action.Kind, idx, describeInteractionError(err))
		e.logger.Warn("Element interaction failed.", zap.String("action", action.String()), zap.Error(err))
	} else {
		e.logger.Debug("Element interaction complete.", zap.String("action", action.String()))
	}
	e.feedback.AfterInteraction(ctx, action.Kind, selector, outcome)
	return outcome
}

// describeInteractionError shortens driver errors into something the decision
// service can act on.
func describeInteractionError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return "element did not respond in time"
	case strings.Contains(msg, "not visible"), strings.Contains(msg, "no such node"), strings.Contains(msg, "could not find node"):
		return "element is no longer on the page"
	default:
		return msg
	}
}
