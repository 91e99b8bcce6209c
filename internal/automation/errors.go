// internal/automation/errors.go
package automation

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is a string type used for structured error reporting across contexts.
// It travels inside SEQUENCE_ERROR payloads so the prompt surface can react to
// the kind of failure without parsing messages.
type ErrorCode string

const (
	// -- Recoverable per turn --
	ErrCodeNoInteractiveElements ErrorCode = "NO_INTERACTIVE_ELEMENTS"
	ErrCodeInvalidElementIndex   ErrorCode = "INVALID_ELEMENT_INDEX"
	ErrCodeInteractionFailed     ErrorCode = "INTERACTION_FAILED"

	// -- Terminal --
	ErrCodeActionFailed       ErrorCode = "ACTION_FAILED"
	ErrCodeStepLimitExceeded  ErrorCode = "STEP_LIMIT_EXCEEDED"
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrCodeUnknownActionKind  ErrorCode = "UNKNOWN_ACTION_KIND"
	ErrCodeUserReplyTimeout   ErrorCode = "USER_REPLY_TIMEOUT"
	ErrCodeDeliveryFailed     ErrorCode = "DELIVERY_FAILED"
	ErrCodeCancelled          ErrorCode = "CANCELLED"

	// -- Internal --
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrCancelled is returned by wait points when the run's cancel flag is raised.
var ErrCancelled = errors.New("automation cancelled")

// AutomationError is a terminal failure of a run.
type AutomationError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AutomationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AutomationError) Unwrap() error { return e.Err }

// ErrorCode implements coder.
func (e *AutomationError) ErrorCode() ErrorCode { return e.Code }

// NewAutomationError builds an AutomationError.
func NewAutomationError(code ErrorCode, format string, args ...interface{}) *AutomationError {
	return &AutomationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NoInteractiveElementsError means the page exposed nothing actionable. The
// controller folds it into the next request as a FAIL outcome.
type NoInteractiveElementsError struct {
	URL string
}

func (e *NoInteractiveElementsError) Error() string {
	if e.URL == "" {
		return "no interactive elements found on the page"
	}
	return fmt.Sprintf("no interactive elements found on %s", e.URL)
}

func (e *NoInteractiveElementsError) ErrorCode() ErrorCode { return ErrCodeNoInteractiveElements }

// BackendUnavailableError means the decision service could not be reached
// within the retry budget.
type BackendUnavailableError struct {
	Attempts int
	Err      error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("decision service unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

func (e *BackendUnavailableError) ErrorCode() ErrorCode { return ErrCodeBackendUnavailable }

// StepLimitExceededError means the run used up its step budget.
type StepLimitExceededError struct {
	Limit int
}

func (e *StepLimitExceededError) Error() string {
	return fmt.Sprintf("step limit of %d exceeded", e.Limit)
}

func (e *StepLimitExceededError) ErrorCode() ErrorCode { return ErrCodeStepLimitExceeded }

// UserReplyTimeoutError means an ASK_USER question went unanswered.
type UserReplyTimeoutError struct {
	SessionID string
	Timeout   time.Duration
}

func (e *UserReplyTimeoutError) Error() string {
	return fmt.Sprintf("no user reply for session %s within %s", e.SessionID, e.Timeout)
}

func (e *UserReplyTimeoutError) ErrorCode() ErrorCode { return ErrCodeUserReplyTimeout }

type coder interface {
	ErrorCode() ErrorCode
}

// CodeOf returns the ErrorCode carried anywhere in err's chain, or
// ErrCodeInternal if there is none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCancelled) {
		return ErrCodeCancelled
	}
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ErrCodeInternal
}
