// internal/engine/strategies.go
package engine

import (
	"context"

	"github.com/xkilldash9x/pagepilot/internal/automation"
)

// StrategyResult is what dispatching one action produced.
type StrategyResult struct {
	Outcome        automation.ActionOutcome
	ShouldContinue bool
	// UserReply is set by ASK_USER and threaded into the next decision request.
	UserReply *string
}

// turn is the state an action is dispatched against.
type turn struct {
	sessionID string
	elements  []automation.ElementDescriptor
}

// Strategy executes one kind of action.
type Strategy func(ctx context.Context, t turn, action automation.Action) (StrategyResult, error)

// StrategyRegistry maps an action kind to its strategy.
type StrategyRegistry map[automation.ActionKind]Strategy

// NewStrategyRegistry wires the strategy of every known kind.
func NewStrategyRegistry(executor *ElementActionExecutor, asker *Asker) StrategyRegistry {
	element := func(ctx context.Context, t turn, action automation.Action) (StrategyResult, error) {
		return StrategyResult{Outcome: executor.Execute(ctx, action, t.elements), ShouldContinue: true}, nil
	}
	return StrategyRegistry{
		automation.ActionClick: element,
		automation.ActionType:  element,
		automation.ActionAskUser: func(ctx context.Context, t turn, action automation.Action) (StrategyResult, error) {
			reply, err := asker.Ask(ctx, t.sessionID, action.Question)
			if err != nil {
				return StrategyResult{}, err
			}
			return StrategyResult{Outcome: automation.Succeeded(), ShouldContinue: true, UserReply: &reply}, nil
		},
		automation.ActionFinish: func(context.Context, turn, automation.Action) (StrategyResult, error) {
			return StrategyResult{Outcome: automation.Succeeded(), ShouldContinue: false}, nil
		},
		automation.ActionFail: func(_ context.Context, _ turn, action automation.Action) (StrategyResult, error) {
			msg := action.Message
			if msg == "" {
				msg = "decision service gave up on the objective"
			}
			return StrategyResult{}, automation.NewAutomationError(automation.ErrCodeActionFailed, "%s", msg)
		},
	}
}

// Dispatch runs action through its strategy. An unregistered kind means the
// decision service speaks a different protocol and ends the run.
func (r StrategyRegistry) Dispatch(ctx context.Context, t turn, action automation.Action) (StrategyResult, error) {
	strategy, ok := r[action.Kind]
	if !ok {
		return StrategyResult{}, automation.NewAutomationError(automation.ErrCodeUnknownActionKind, "unknown action kind %q", action.Kind)
	}
	return strategy(ctx, t, action)
}
