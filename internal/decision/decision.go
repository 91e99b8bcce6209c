// internal/decision/decision.go
package decision

import (
	"context"

	"github.com/xkilldash9x/pagepilot/internal/automation"
)

// StepRequest is what the engine tells the decision service about the current turn.
type StepRequest struct {
	SessionID      string                     `json:"sessionId"`
	ElementMarkups []string                   `json:"elementMarkups"`
	LastOutcomes   []automation.ActionOutcome `json:"lastOutcomes"`
	// Screenshot is a base64 encoded PNG. Omitted when capture failed.
	Screenshot string `json:"screenshot,omitempty"`
	UserReply  string `json:"userReply,omitempty"`
}

type initSessionRequest struct {
	Objective string `json:"objective"`
}

type initSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// Service chooses what the engine does next. The engine never decides on its own.
type Service interface {
	InitSession(ctx context.Context, objective string) (string, error)
	NextAction(ctx context.Context, req StepRequest) (automation.ActionBatch, error)
}
