// internal/engine/asker.go
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

// QuestionSink carries a question out of the page context toward the user.
type QuestionSink interface {
	PostQuestion(ctx context.Context, q protocol.RequestUserInput) error
}

type pendingQuestion struct {
	question string
	reply    chan string
}

// Asker holds the PendingUserQuestion of each session. There is at most one
// pending question per session; replies that match nothing are dropped.
type Asker struct {
	sink       QuestionSink
	cancel     *CancelFlag
	timeout    time.Duration
	cancelPoll time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingQuestion
}

// NewAsker creates an Asker. A zero timeout means five minutes.
func NewAsker(sink QuestionSink, cancel *CancelFlag, timeout, cancelPoll time.Duration, logger *zap.Logger) *Asker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if cancelPoll <= 0 {
		cancelPoll = 250 * time.Millisecond
	}
	if cancel == nil {
		cancel = &CancelFlag{}
	}
	return &Asker{
		sink:       sink,
		cancel:     cancel,
		timeout:    timeout,
		cancelPoll: cancelPoll,
		logger:     logger.Named("asker"),
		pending:    make(map[string]*pendingQuestion),
	}
}

// Ask posts question for sessionID and blocks until the matching reply,
// the timeout, the cancel flag or ctx ends the wait.
func (a *Asker) Ask(ctx context.Context, sessionID, question string) (string, error) {
	p := &pendingQuestion{question: question, reply: make(chan string, 1)}

	a.mu.Lock()
	if _, busy := a.pending[sessionID]; busy {
		a.mu.Unlock()
		return "", automation.NewAutomationError(automation.ErrCodeInternal, "a question is already pending for session %s", sessionID)
	}
	a.pending[sessionID] = p
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.pending[sessionID] == p {
			delete(a.pending, sessionID)
		}
		a.mu.Unlock()
	}()

	if err := a.sink.PostQuestion(ctx, protocol.RequestUserInput{Question: question, SessionID: sessionID}); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &automation.AutomationError{
			Code:    automation.ErrCodeDeliveryFailed,
			Message: "could not deliver question to the user",
			Err:     err,
		}
	}
	a.logger.Info("Waiting for user reply.", zap.String("session_id", sessionID), zap.String("question", question))

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	ticker := time.NewTicker(a.cancelPoll)
	defer ticker.Stop()

	for {
		select {
		case reply := <-p.reply:
			return reply, nil
		case <-timer.C:
			return "", &automation.UserReplyTimeoutError{SessionID: sessionID, Timeout: a.timeout}
		case <-ticker.C:
			if a.cancel.Cancelled() {
				return "", automation.ErrCancelled
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Resolve delivers reply to the question pending for sessionID. It reports
// whether a question was waiting. Only the first reply counts.
func (a *Asker) Resolve(sessionID, reply string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[sessionID]
	if !ok {
		a.logger.Debug("Ignoring reply with no pending question.", zap.String("session_id", sessionID))
		return false
	}
	delete(a.pending, sessionID)
	p.reply <- reply
	return true
}

// Pending reports whether sessionID has an unanswered question.
func (a *Asker) Pending(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[sessionID]
	return ok
}
