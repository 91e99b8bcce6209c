// internal/coordinator/coordinator.go
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

// Injector starts the page agent of a target when it is missing.
type Injector interface {
	Inject(ctx context.Context, targetID string) error
	ActiveTarget() string
}

// Sessions is the privileged view of the session entry.
type Sessions interface {
	GetOrInitialize(ctx context.Context, objective string) (automation.Session, error)
	Clear(ctx context.Context) error
}

// State is the in-flight run descriptor. It lives only in memory; a restart
// of the privileged context forgets any run in progress.
type State struct {
	RunState             automation.RunState `json:"runState"`
	Active               bool                `json:"active"`
	Objective            string              `json:"objective,omitempty"`
	SessionID            string              `json:"sessionId,omitempty"`
	SequenceID           string              `json:"sequenceId,omitempty"`
	TargetID             string              `json:"targetId,omitempty"`
	Remaining            []automation.Action `json:"remainingActions,omitempty"`
	Step                 int                 `json:"step"`
	AwaitingContinuation bool                `json:"awaitingContinuation"`
	Queued               string              `json:"queued,omitempty"`
}

// Coordinator is the privileged context. All state changes happen on the
// goroutine running Run.
type Coordinator struct {
	bus      *messaging.Bus
	sessions Sessions
	injector Injector
	cfg      config.CoordinatorConfig
	logger   *zap.Logger

	st      State
	gen     uint64
	settles chan uint64

	mu        sync.RWMutex
	published State
}

// New creates a Coordinator.
func New(bus *messaging.Bus, sessions Sessions, injector Injector, cfg config.CoordinatorConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		bus:       bus,
		sessions:  sessions,
		injector:  injector,
		cfg:       cfg,
		logger:    logger.Named("coordinator"),
		settles:   make(chan uint64, 4),
		st:        State{RunState: automation.RunStopped},
		published: State{RunState: automation.RunStopped},
	}
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.published
	s.Remaining = append([]automation.Action(nil), s.Remaining...)
	return s
}

func (c *Coordinator) publish() {
	s := c.st
	s.Remaining = append([]automation.Action(nil), c.st.Remaining...)
	c.mu.Lock()
	c.published = s
	c.mu.Unlock()
}

// Run serves the coordinator mailbox until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	mailbox, release := c.bus.Register(protocol.AddrCoordinator)
	defer release()
	c.logger.Info("Coordinator started.")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator stopped.")
			return ctx.Err()
		case env, ok := <-mailbox:
			if !ok {
				return nil
			}
			c.handle(ctx, env)
		case gen := <-c.settles:
			c.continueRun(ctx, gen)
		}
		c.publish()
	}
}

func (c *Coordinator) handle(ctx context.Context, env protocol.Envelope) {
	log := c.logger.With(zap.String("kind", string(env.Kind)), zap.String("from", env.From))
	switch env.Kind {
	case protocol.KindStartAutomation:
		var req protocol.StartAutomation
		if err := env.Decode(&req); err != nil || req.Objective == "" {
			c.reply(ctx, env, protocol.KindStartAutomationResult, protocol.StartAutomationResult{Error: "an objective is required"})
			return
		}
		c.reply(ctx, env, protocol.KindStartAutomationResult, c.start(ctx, req.Objective))

	case protocol.KindStopAutomation:
		var req protocol.StopAutomation
		_ = env.Decode(&req)
		c.stop(ctx, req.Reason)
		if env.From != protocol.AddrPrompt {
			c.reply(ctx, env, protocol.KindRunStateChanged, protocol.RunStateChanged{State: c.st.RunState})
		}

	case protocol.KindStepProgressUpdate:
		var update protocol.StepProgressUpdate
		if err := env.Decode(&update); err != nil {
			log.Warn("Dropping malformed progress.", zap.Error(err))
			return
		}
		c.progress(ctx, env, update)

	case protocol.KindNavigationDetected:
		var nav protocol.NavigationDetected
		if err := env.Decode(&nav); err != nil {
			log.Warn("Dropping malformed navigation notice.", zap.Error(err))
			return
		}
		c.navigated(ctx, nav)

	case protocol.KindContentScriptReady:
		var ready protocol.ContentScriptReady
		if err := env.Decode(&ready); err != nil {
			log.Warn("Dropping malformed ready notice.", zap.Error(err))
			return
		}
		c.ready(ctx, ready)

	case protocol.KindSequenceComplete:
		var done protocol.SequenceComplete
		if err := env.Decode(&done); err != nil {
			log.Warn("Dropping malformed completion.", zap.Error(err))
			return
		}
		c.finished(ctx, env, done.SequenceID)

	case protocol.KindSequenceError:
		var failure protocol.SequenceError
		if err := env.Decode(&failure); err != nil {
			log.Warn("Dropping malformed error report.", zap.Error(err))
			return
		}
		c.finished(ctx, env, failure.SequenceID)

	case protocol.KindRequestUserInput:
		c.forward(ctx, env, protocol.AddrPrompt)

	case protocol.KindUserResponse:
		if !c.st.Active {
			log.Debug("No run to take the reply.")
			return
		}
		c.forward(ctx, env, protocol.PageAddress(c.st.TargetID))

	default:
		log.Debug("Ignoring message.")
	}
}

// start begins a run, or queues the objective when one is active.
func (c *Coordinator) start(ctx context.Context, objective string) protocol.StartAutomationResult {
	if c.st.Active {
		if c.st.Queued != "" {
			return protocol.StartAutomationResult{Error: "an automation is running and another objective is already queued"}
		}
		c.st.Queued = objective
		c.logger.Info("Objective queued.", zap.String("objective", objective))
		return protocol.StartAutomationResult{Success: true, Queued: true}
	}
	return c.begin(ctx, objective)
}

func (c *Coordinator) begin(ctx context.Context, objective string) protocol.StartAutomationResult {
	session, err := c.sessions.GetOrInitialize(ctx, objective)
	if err != nil {
		c.logger.Error("Could not start automation.", zap.Error(err))
		return protocol.StartAutomationResult{Error: err.Error()}
	}

	c.st = State{
		RunState:   automation.RunRunning,
		Active:     true,
		Objective:  objective,
		SessionID:  session.ID,
		SequenceID: uuid.New().String(),
		TargetID:   c.injector.ActiveTarget(),
	}
	c.gen++
	c.logger.Info("Automation started.", zap.String("sequence_id", c.st.SequenceID), zap.String("session_id", session.ID), zap.String("target_id", c.st.TargetID))
	c.announce(ctx)

	if err := c.deliver(ctx, protocol.KindExecuteSequence, c.sequence(nil)); err != nil {
		c.abort(ctx, err)
		return protocol.StartAutomationResult{Error: err.Error()}
	}
	return protocol.StartAutomationResult{Success: true, SessionID: session.ID}
}

func (c *Coordinator) sequence(actions []automation.Action) protocol.Sequence {
	return protocol.Sequence{
		SequenceID: c.st.SequenceID,
		SessionID:  c.st.SessionID,
		Objective:  c.st.Objective,
		Actions:    actions,
		Step:       c.st.Step,
	}
}

func (c *Coordinator) stop(ctx context.Context, reason string) {
	if reason == "" {
		reason = "stopped by user"
	}
	if c.st.Active {
		env, err := protocol.New(protocol.KindStopAutomation, protocol.AddrCoordinator, protocol.PageAddress(c.st.TargetID), protocol.StopAutomation{Reason: reason})
		if err == nil {
			if err := c.bus.Send(ctx, env); err != nil {
				c.logger.Debug("Page did not take stop.", zap.Error(err))
			}
		}
	}
	c.clearSession(ctx)
	c.st = State{RunState: automation.RunStopped}
	c.gen++
	c.logger.Info("Automation stopped.", zap.String("reason", reason))
	c.announce(ctx)
}

func (c *Coordinator) progress(ctx context.Context, env protocol.Envelope, update protocol.StepProgressUpdate) {
	if !c.st.Active || update.SequenceID != c.st.SequenceID {
		return
	}
	// After navigation the old page may still flush progress; what it says
	// about remaining work is already captured.
	if c.st.RunState == automation.RunPaused {
		c.logger.Debug("Ignoring progress while paused.")
		return
	}
	c.st.Remaining = update.RemainingActions
	c.st.Step = update.CompletedStepIndex
	c.forward(ctx, env, protocol.AddrPrompt)
}

func (c *Coordinator) navigated(ctx context.Context, nav protocol.NavigationDetected) {
	if !c.st.Active || nav.TargetID != c.st.TargetID {
		return
	}
	c.st.AwaitingContinuation = true
	c.st.RunState = automation.RunPaused
	c.gen++
	c.logger.Info("Target navigated, run paused.", zap.String("from", nav.FromURL), zap.String("to", nav.ToURL), zap.Int("remaining", len(c.st.Remaining)))
	c.announce(ctx)
}

func (c *Coordinator) ready(ctx context.Context, ready protocol.ContentScriptReady) {
	if !c.st.Active || !c.st.AwaitingContinuation || ready.TargetID != c.st.TargetID {
		return
	}
	c.gen++
	gen := c.gen
	if c.cfg.SettleDelay <= 0 {
		c.continueRun(ctx, gen)
		return
	}
	c.logger.Debug("Page ready, waiting for it to settle.", zap.Duration("delay", c.cfg.SettleDelay))
	time.AfterFunc(c.cfg.SettleDelay, func() {
		select {
		case c.settles <- gen:
		case <-ctx.Done():
		}
	})
}

// continueRun redelivers the remaining actions. Each navigation produces at
// most one continuation; stale timers are recognized by their generation.
func (c *Coordinator) continueRun(ctx context.Context, gen uint64) {
	if gen != c.gen || !c.st.Active || !c.st.AwaitingContinuation {
		return
	}
	c.st.AwaitingContinuation = false
	c.st.RunState = automation.RunRunning
	c.logger.Info("Delivering continuation.", zap.Int("actions", len(c.st.Remaining)), zap.Int("step", c.st.Step))
	c.announce(ctx)

	if err := c.deliver(ctx, protocol.KindContinueSequence, c.sequence(c.st.Remaining)); err != nil {
		c.abort(ctx, err)
	}
}

func (c *Coordinator) finished(ctx context.Context, env protocol.Envelope, sequenceID string) {
	if !c.st.Active || sequenceID != c.st.SequenceID {
		c.logger.Debug("Ignoring terminal message for another sequence.", zap.String("sequence_id", sequenceID))
		return
	}
	queued := c.st.Queued
	c.clearSession(ctx)
	c.st = State{RunState: automation.RunStopped}
	c.gen++
	c.logger.Info("Automation finished.", zap.String("kind", string(env.Kind)), zap.String("sequence_id", sequenceID))
	c.forward(ctx, env, protocol.AddrPrompt)
	c.announce(ctx)
	c.startQueued(ctx, queued)
}

// abort ends the active run from the privileged side.
func (c *Coordinator) abort(ctx context.Context, cause error) {
	queued := c.st.Queued
	step := c.st.Step
	c.toPrompt(ctx, protocol.KindSequenceError, protocol.SequenceError{
		SequenceID: c.st.SequenceID,
		Error:      cause.Error(),
		Code:       automation.CodeOf(cause),
		Step:       &step,
	})
	c.clearSession(ctx)
	c.st = State{RunState: automation.RunStopped}
	c.gen++
	c.announce(ctx)
	c.startQueued(ctx, queued)
}

func (c *Coordinator) startQueued(ctx context.Context, objective string) {
	if objective == "" {
		return
	}
	c.logger.Info("Starting queued objective.", zap.String("objective", objective))
	c.toPrompt(ctx, protocol.KindStartAutomationResult, c.begin(ctx, objective))
}

// deliver sends to the target's page agent. If nobody is listening the
// agent is injected and the send is tried once more.
func (c *Coordinator) deliver(ctx context.Context, kind protocol.Kind, seq protocol.Sequence) error {
	to := protocol.PageAddress(c.st.TargetID)
	send := func() error {
		env, err := protocol.New(kind, protocol.AddrCoordinator, to, seq)
		if err != nil {
			return err
		}
		return c.bus.Send(ctx, env)
	}

	err := send()
	if err == nil {
		return nil
	}
	if !errors.Is(err, messaging.ErrNoReceiver) {
		return deliveryError(kind, err)
	}

	c.logger.Warn("Page agent not present, injecting and retrying.", zap.String("target_id", c.st.TargetID))
	if injectErr := c.injector.Inject(ctx, c.st.TargetID); injectErr != nil {
		c.logger.Warn("Injection failed.", zap.Error(injectErr))
	}
	select {
	case <-time.After(c.cfg.DeliveryRetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := send(); err != nil {
		return deliveryError(kind, err)
	}
	return nil
}

func deliveryError(kind protocol.Kind, err error) error {
	return &automation.AutomationError{
		Code:    automation.ErrCodeDeliveryFailed,
		Message: fmt.Sprintf("could not deliver %s to the page", kind),
		Err:     err,
	}
}

func (c *Coordinator) clearSession(ctx context.Context) {
	if err := c.sessions.Clear(ctx); err != nil {
		c.logger.Error("Failed to clear session.", zap.Error(err))
	}
}

// announce publishes the run state to the prompt surface.
func (c *Coordinator) announce(ctx context.Context) {
	c.toPrompt(ctx, protocol.KindRunStateChanged, protocol.RunStateChanged{
		State:     c.st.RunState,
		Objective: c.st.Objective,
		SessionID: c.st.SessionID,
	})
}

func (c *Coordinator) toPrompt(ctx context.Context, kind protocol.Kind, payload interface{}) {
	if !c.bus.Has(protocol.AddrPrompt) {
		return
	}
	env, err := protocol.New(kind, protocol.AddrCoordinator, protocol.AddrPrompt, payload)
	if err != nil {
		c.logger.Error("Failed to build prompt message.", zap.Error(err))
		return
	}
	if err := c.bus.Send(ctx, env); err != nil {
		c.logger.Warn("Prompt surface did not take message.", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// forward relays env to another context unchanged except for routing.
func (c *Coordinator) forward(ctx context.Context, env protocol.Envelope, to string) {
	if to == protocol.AddrPrompt && !c.bus.Has(to) {
		return
	}
	fwd := env
	fwd.ID = ""
	fwd.From = protocol.AddrCoordinator
	fwd.To = to
	fwd.ReplyTo = ""
	if err := c.bus.Send(ctx, fwd); err != nil {
		c.logger.Warn("Forward failed.", zap.String("kind", string(env.Kind)), zap.String("to", to), zap.Error(err))
	}
}

func (c *Coordinator) reply(ctx context.Context, req protocol.Envelope, kind protocol.Kind, payload interface{}) {
	env, err := protocol.Reply(req, kind, payload)
	if err != nil {
		c.logger.Error("Failed to build reply.", zap.Error(err))
		return
	}
	if err := c.bus.Send(ctx, env); err != nil {
		c.logger.Debug("Reply not delivered.", zap.String("to", env.To), zap.Error(err))
	}
}
