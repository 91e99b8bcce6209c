// internal/protocol/protocol.go
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/pagepilot/internal/automation"
)

// Kind names a cross-context message.
type Kind string

const (
	KindStartAutomation       Kind = "START_AUTOMATION"
	KindStartAutomationResult Kind = "START_AUTOMATION_RESULT"
	KindStopAutomation        Kind = "STOP_AUTOMATION"
	KindExecuteSequence       Kind = "EXECUTE_SEQUENCE"
	KindContinueSequence      Kind = "CONTINUE_SEQUENCE"
	KindStepProgressUpdate    Kind = "STEP_PROGRESS_UPDATE"
	KindSequenceComplete      Kind = "SEQUENCE_COMPLETE"
	KindSequenceError         Kind = "SEQUENCE_ERROR"
	KindRequestUserInput      Kind = "REQUEST_USER_INPUT"
	KindUserResponse          Kind = "USER_RESPONSE"
	KindNavigationDetected    Kind = "NAVIGATION_DETECTED"
	KindContentScriptReady    Kind = "CONTENT_SCRIPT_READY"
	KindRunStateChanged       Kind = "RUN_STATE_CHANGED"
)

// Addresses of the long-lived contexts. Page contexts are addressed per target
// with PageAddress.
const (
	AddrCoordinator = "coordinator"
	AddrPrompt      = "prompt"
)

// PageAddress returns the mailbox address of the page context bound to targetID.
func PageAddress(targetID string) string { return "page:" + targetID }

// Envelope is the unit that crosses context boundaries. Payload stays encoded
// so the receiving context decodes its own copy.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh ID and an encoded payload.
func New(kind Kind, from, to string, payload interface{}) (Envelope, error) {
	env := Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Reply builds a response envelope correlated to req.
func Reply(req Envelope, kind Kind, payload interface{}) (Envelope, error) {
	env, err := New(kind, req.To, req.From, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.ReplyTo = req.ID
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message %s has no payload", e.Kind, e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// -- Payloads --

type StartAutomation struct {
	Objective string `json:"objective"`
}

type StartAutomationResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	Error     string `json:"error,omitempty"`
}

type StopAutomation struct {
	Reason string `json:"reason,omitempty"`
}

// Sequence is carried by both EXECUTE_SEQUENCE and CONTINUE_SEQUENCE. A
// continuation carries only the actions not yet executed.
type Sequence struct {
	SequenceID string              `json:"sequenceId"`
	SessionID  string              `json:"sessionId"`
	Objective  string              `json:"objective"`
	Actions    []automation.Action `json:"actions,omitempty"`
	// Step is the number of completed decision rounds before this delivery.
	Step int `json:"step"`
}

type StepProgressUpdate struct {
	SequenceID         string              `json:"sequenceId"`
	CompletedStepIndex int                 `json:"completedStepIndex"`
	RemainingActions   []automation.Action `json:"remainingActions"`
}

type SequenceComplete struct {
	SequenceID string `json:"sequenceId"`
}

type SequenceError struct {
	SequenceID string               `json:"sequenceId"`
	Error      string               `json:"error"`
	Code       automation.ErrorCode `json:"code,omitempty"`
	Step       *int                 `json:"step,omitempty"`
}

type RequestUserInput struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId"`
}

type UserResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
}

type NavigationDetected struct {
	TargetID string `json:"targetId"`
	FromURL  string `json:"fromUrl"`
	ToURL    string `json:"toUrl"`
}

type ContentScriptReady struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
}

type RunStateChanged struct {
	State     automation.RunState `json:"state"`
	Objective string              `json:"objective,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
}
