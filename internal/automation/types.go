// internal/automation/types.go
package automation

import (
	"fmt"
	"time"
)

// Session identifies one automation run across page loads. It is created once per
// run by whichever context first needs it and is cleared on any terminal outcome.
type Session struct {
	ID        string    `json:"id"`
	Objective string    `json:"objective"`
	CreatedAt time.Time `json:"createdAt"`
}

// ElementDescriptor is one entry of a page snapshot. Index is positional and is
// only meaningful for the snapshot that produced it.
type ElementDescriptor struct {
	Index  int    `json:"index"`
	Markup string `json:"markup"`
}

// ActionKind tags the variant carried by an Action.
type ActionKind string

const (
	ActionClick   ActionKind = "CLICK"    // Click the element at TargetElementIndex.
	ActionType    ActionKind = "TYPE"     // Type Value into the element at TargetElementIndex.
	ActionAskUser ActionKind = "ASK_USER" // Ask the user Question and wait for a reply.
	ActionFinish  ActionKind = "FINISH"   // The objective is done.
	ActionFail    ActionKind = "FAIL"     // The decision service gave up; Message says why.
)

// KnownActionKinds lists every kind the engine is expected to dispatch.
var KnownActionKinds = []ActionKind{ActionClick, ActionType, ActionAskUser, ActionFinish, ActionFail}

// Action is a single step chosen by the decision service. Which fields are
// meaningful depends on Kind. TargetElementIndex is a pointer so that a missing
// index can be told apart from index 0.
type Action struct {
	Kind               ActionKind `json:"kind"`
	TargetElementIndex *int       `json:"targetElementIndex,omitempty"`
	Value              string     `json:"value,omitempty"`
	Question           string     `json:"question,omitempty"`
	Message            string     `json:"message,omitempty"`
	Explanation        string     `json:"explanation,omitempty"`
}

// Index returns a pointer to i, for building actions with a target element.
func Index(i int) *int { return &i }

// Click builds a CLICK action.
func Click(index int) Action {
	return Action{Kind: ActionClick, TargetElementIndex: Index(index)}
}

// Type builds a TYPE action.
func Type(index int, value string) Action {
	return Action{Kind: ActionType, TargetElementIndex: Index(index), Value: value}
}

// AskUser builds an ASK_USER action.
func AskUser(question string) Action {
	return Action{Kind: ActionAskUser, Question: question}
}

// Finish builds a FINISH action.
func Finish() Action { return Action{Kind: ActionFinish} }

// Fail builds a FAIL action.
func Fail(message string) Action { return Action{Kind: ActionFail, Message: message} }

// String renders the action for logs.
func (a Action) String() string {
	switch a.Kind {
	case ActionClick, ActionType:
		idx := "<missing>"
		if a.TargetElementIndex != nil {
			idx = fmt.Sprintf("%d", *a.TargetElementIndex)
		}
		if a.Kind == ActionType {
			return fmt.Sprintf("%s[%s] %q", a.Kind, idx, a.Value)
		}
		return fmt.Sprintf("%s[%s]", a.Kind, idx)
	case ActionAskUser:
		return fmt.Sprintf("%s %q", a.Kind, a.Question)
	case ActionFail:
		return fmt.Sprintf("%s %q", a.Kind, a.Message)
	default:
		return string(a.Kind)
	}
}

// OutcomeStatus is the result of executing one action.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	OutcomeFail    OutcomeStatus = "FAIL"
)

// ActionOutcome reports how one executed action went. Outcomes of a turn are
// folded into the next decision request.
type ActionOutcome struct {
	Status       OutcomeStatus `json:"status"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

// Succeeded returns a SUCCESS outcome.
func Succeeded() ActionOutcome { return ActionOutcome{Status: OutcomeSuccess} }

// Failed returns a FAIL outcome with a formatted message.
func Failed(format string, args ...interface{}) ActionOutcome {
	return ActionOutcome{Status: OutcomeFail, ErrorMessage: fmt.Sprintf(format, args...)}
}

// ActionBatch is the decision service's answer to one step. An empty batch
// means there is nothing left to do.
type ActionBatch struct {
	Actions     []Action `json:"actions"`
	PageSummary string   `json:"pageSummary,omitempty"`
}

// Empty reports whether the batch carries no actions.
func (b ActionBatch) Empty() bool { return len(b.Actions) == 0 }

// RunState is the coarse run state owned by the privileged context.
type RunState string

const (
	RunStopped RunState = "STOPPED"
	RunRunning RunState = "RUNNING"
	RunPaused  RunState = "PAUSED"
)

// RunStatus is the state of one page-bound execution.
type RunStatus string

const (
	StatusIdle      RunStatus = "IDLE"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
	// StatusInterrupted means the page context went away under the run, usually
	// because of a main-frame navigation. It is not terminal for the session.
	StatusInterrupted RunStatus = "INTERRUPTED"
)

// Terminal reports whether the status ends the session.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
