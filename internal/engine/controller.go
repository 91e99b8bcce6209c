// internal/engine/controller.go
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/decision"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
	"github.com/xkilldash9x/pagepilot/internal/snapshot"
)

// Snapshotter observes the page for one iteration.
type Snapshotter interface {
	AwaitReady(ctx context.Context) error
	ListElements(ctx context.Context) ([]automation.ElementDescriptor, error)
}

// Sessions resolves and clears the run's session.
type Sessions interface {
	GetOrInitialize(ctx context.Context, objective string) (automation.Session, error)
	// ClearIf removes the session only while it is still sessionID.
	ClearIf(ctx context.Context, sessionID string) error
}

// Reporter carries run progress back to the privileged context.
type Reporter interface {
	Progress(ctx context.Context, update protocol.StepProgressUpdate)
	Complete(ctx context.Context, done protocol.SequenceComplete)
	Error(ctx context.Context, failure protocol.SequenceError)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Page        Page
	Snapshotter Snapshotter
	Decider     decision.Service
	Sessions    Sessions
	Reporter    Reporter
	Asker       *Asker
	Cancel      *CancelFlag
	Feedback    Feedback
}

// RunRequest starts or continues a run.
type RunRequest struct {
	Objective  string
	SequenceID string
	// SessionID is advisory; the durable entry wins.
	SessionID string
	// Pending are continuation actions left over from a destroyed page context.
	Pending []automation.Action
	// Step is the step counter the run had reached.
	Step int
}

// RunResult is how a run ended.
type RunResult struct {
	Status   automation.RunStatus
	Steps    int
	Outcomes []automation.ActionOutcome
	Err      error
}

// Controller runs the snapshot, decide, dispatch loop.
type Controller struct {
	cfg        config.EngineConfig
	page       Page
	snap       Snapshotter
	decider    decision.Service
	sessions   Sessions
	reporter   Reporter
	cancel     *CancelFlag
	strategies StrategyRegistry
	lifecycle  *Lifecycle
	logger     *zap.Logger
}

// NewController validates deps and builds a Controller.
func NewController(cfg config.EngineConfig, deps Deps, logger *zap.Logger) (*Controller, error) {
	switch {
	case logger == nil:
		return nil, errors.New("logger cannot be nil")
	case deps.Page == nil:
		return nil, errors.New("page cannot be nil")
	case deps.Decider == nil:
		return nil, errors.New("decision service cannot be nil")
	case deps.Sessions == nil:
		return nil, errors.New("session coordinator cannot be nil")
	case deps.Reporter == nil:
		return nil, errors.New("reporter cannot be nil")
	case deps.Asker == nil:
		return nil, errors.New("asker cannot be nil")
	}
	if deps.Cancel == nil {
		deps.Cancel = &CancelFlag{}
	}
	if deps.Snapshotter == nil {
		deps.Snapshotter = snapshot.New(deps.Page, cfg, logger)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 50
	}

	executor := NewElementActionExecutor(deps.Page, deps.Feedback, logger)
	return &Controller{
		cfg:        cfg,
		page:       deps.Page,
		snap:       deps.Snapshotter,
		decider:    deps.Decider,
		sessions:   deps.Sessions,
		reporter:   deps.Reporter,
		cancel:     deps.Cancel,
		strategies: NewStrategyRegistry(executor, deps.Asker),
		lifecycle:  NewLifecycle(deps.Page, logger),
		logger:     logger.Named("controller"),
	}, nil
}

// Lifecycle exposes the controller's lifecycle manager.
func (c *Controller) Lifecycle() *Lifecycle { return c.lifecycle }

// run is the mutable state of one Execute call.
type run struct {
	req      RunRequest
	session  automation.Session
	steps    int
	outcomes []automation.ActionOutcome
	lastTurn []automation.ActionOutcome
	elements []automation.ElementDescriptor
	logger   *zap.Logger
}

func (r *run) record(o automation.ActionOutcome) {
	r.outcomes = append(r.outcomes, o)
	r.lastTurn = append(r.lastTurn, o)
}

// Execute drives one run to a terminal state or until the page context goes
// away. Interaction blocking is engaged for the duration of the loop and
// released before the terminal message is sent.
func (c *Controller) Execute(ctx context.Context, req RunRequest) RunResult {
	r := &run{
		req:    req,
		steps:  req.Step,
		logger: c.logger.With(zap.String("sequence_id", req.SequenceID)),
	}
	r.logger.Info("Run starting.", zap.String("objective", req.Objective), zap.Int("pending", len(req.Pending)), zap.Int("step", req.Step))

	status, err := c.engaged(ctx, r)
	return c.conclude(ctx, r, status, err)
}

// engaged runs the loop inside Setup and Teardown.
func (c *Controller) engaged(ctx context.Context, r *run) (status automation.RunStatus, err error) {
	if setupErr := c.lifecycle.Setup(ctx); setupErr != nil {
		return c.classify(ctx, setupErr), setupErr
	}
	defer func() {
		var tdErr error
		if err != nil {
			tdErr = c.lifecycle.TeardownOnError(ctx, err)
		} else {
			tdErr = c.lifecycle.Teardown(ctx)
		}
		if tdErr != nil {
			r.logger.Error("Lifecycle teardown failed.", zap.Error(tdErr))
		}
	}()
	return c.loop(ctx, r)
}

func (c *Controller) loop(ctx context.Context, r *run) (automation.RunStatus, error) {
	session, err := c.sessions.GetOrInitialize(ctx, r.req.Objective)
	if err != nil {
		return c.classify(ctx, err), fmt.Errorf("failed to obtain session: %w", err)
	}
	r.session = session
	r.logger = r.logger.With(zap.String("session_id", session.ID))

	if len(r.req.Pending) > 0 {
		if c.cancel.Cancelled() {
			return automation.StatusCancelled, automation.ErrCancelled
		}
		if err := c.observe(ctx, r); err != nil {
			return c.classify(ctx, err), err
		}
		r.logger.Info("Resuming continuation.", zap.Int("actions", len(r.req.Pending)))
		stop, reply, err := c.dispatch(ctx, r, r.req.Pending)
		if err != nil {
			return c.classify(ctx, err), err
		}
		if stop {
			return automation.StatusCompleted, nil
		}
		if done, status, err := c.followReplies(ctx, r, reply); done {
			return status, err
		}
	}

	for {
		if c.cancel.Cancelled() {
			return automation.StatusCancelled, automation.ErrCancelled
		}
		if r.steps >= c.cfg.MaxSteps {
			return automation.StatusFailed, &automation.StepLimitExceededError{Limit: c.cfg.MaxSteps}
		}
		if err := c.observe(ctx, r); err != nil {
			return c.classify(ctx, err), err
		}
		shot := c.screenshot(ctx, r)
		if c.cancel.Cancelled() {
			return automation.StatusCancelled, automation.ErrCancelled
		}

		stop, reply, err := c.round(ctx, r, shot, nil)
		if err != nil {
			return c.classify(ctx, err), err
		}
		if stop {
			return automation.StatusCompleted, nil
		}
		if done, status, err := c.followReplies(ctx, r, reply); done {
			return status, err
		}
	}
}

// followReplies issues one immediate decision round per user reply, against
// the same snapshot. It reports done when the run ended inside a round.
func (c *Controller) followReplies(ctx context.Context, r *run, reply *string) (bool, automation.RunStatus, error) {
	for reply != nil {
		if c.cancel.Cancelled() {
			return true, automation.StatusCancelled, automation.ErrCancelled
		}
		if r.steps >= c.cfg.MaxSteps {
			return true, automation.StatusFailed, &automation.StepLimitExceededError{Limit: c.cfg.MaxSteps}
		}
		stop, next, err := c.round(ctx, r, "", reply)
		if err != nil {
			return true, c.classify(ctx, err), err
		}
		if stop {
			return true, automation.StatusCompleted, nil
		}
		reply = next
	}
	return false, automation.StatusRunning, nil
}

// round is one decision request and the dispatch of its batch. stop means the
// run completed (empty batch or FINISH).
func (c *Controller) round(ctx context.Context, r *run, screenshot string, reply *string) (bool, *string, error) {
	req := decision.StepRequest{
		SessionID:      r.session.ID,
		ElementMarkups: snapshot.Markups(r.elements),
		LastOutcomes:   r.lastTurn,
		Screenshot:     screenshot,
	}
	if req.LastOutcomes == nil {
		req.LastOutcomes = []automation.ActionOutcome{}
	}
	if reply != nil {
		req.UserReply = *reply
	}

	batch, err := c.decider.NextAction(ctx, req)
	if err != nil {
		return false, nil, err
	}
	// The call is not interrupted by a stop; it takes effect once it returns.
	if c.cancel.Cancelled() {
		return false, nil, automation.ErrCancelled
	}
	r.steps++
	r.lastTurn = nil

	if batch.Empty() {
		r.logger.Info("Decision service has nothing left to do.", zap.Int("step", r.steps))
		return true, nil, nil
	}
	r.logger.Debug("Batch received.", zap.Int("step", r.steps), zap.Int("actions", len(batch.Actions)), zap.String("summary", batch.PageSummary))
	return c.dispatch(ctx, r, batch.Actions)
}

// dispatch runs actions in order. It stops early on a terminal error, on a
// strategy that does not continue, or on a user reply; remaining actions of
// the batch are dropped after a reply.
func (c *Controller) dispatch(ctx context.Context, r *run, actions []automation.Action) (bool, *string, error) {
	t := turn{sessionID: r.session.ID, elements: r.elements}
	for i, action := range actions {
		if c.cancel.Cancelled() {
			return false, nil, automation.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return false, nil, err
		}

		// Report first: if this action navigates, the page context is gone
		// before it could say what was left.
		rest := actions[i+1:]
		c.progress(ctx, r, rest)

		res, err := c.strategies.Dispatch(ctx, t, action)
		if err != nil {
			return false, nil, err
		}
		r.record(res.Outcome)
		r.logger.Info("Action dispatched.", zap.String("action", action.String()), zap.String("status", string(res.Outcome.Status)), zap.String("explanation", action.Explanation))

		if (!res.ShouldContinue || res.UserReply != nil) && len(rest) > 0 {
			c.progress(ctx, r, nil)
		}
		if !res.ShouldContinue {
			return true, nil, nil
		}
		if res.UserReply != nil {
			return false, res.UserReply, nil
		}
	}
	return false, nil, nil
}

func (c *Controller) progress(ctx context.Context, r *run, remaining []automation.Action) {
	c.reporter.Progress(ctx, protocol.StepProgressUpdate{
		SequenceID:         r.req.SequenceID,
		CompletedStepIndex: r.steps,
		RemainingActions:   append([]automation.Action{}, remaining...),
	})
}

// observe waits for the page and takes the snapshot. A page without elements
// or a failed enumeration becomes a FAIL outcome for the next request.
func (c *Controller) observe(ctx context.Context, r *run) error {
	if err := c.snap.AwaitReady(ctx); err != nil {
		return err
	}
	if c.cancel.Cancelled() {
		return automation.ErrCancelled
	}
	elements, err := c.snap.ListElements(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var none *automation.NoInteractiveElementsError
		if errors.As(err, &none) {
			r.logger.Warn("No interactive elements on page.", zap.String("url", none.URL))
		} else {
			r.logger.Warn("Snapshot failed.", zap.Error(err))
		}
		r.elements = nil
		r.lastTurn = append(r.lastTurn, automation.Failed("%s", err.Error()))
		return nil
	}
	r.elements = elements
	return nil
}

const screenshotTimeout = 5 * time.Second

// screenshot never fails the run; problems only drop the field.
func (c *Controller) screenshot(ctx context.Context, r *run) string {
	if !c.cfg.Screenshots {
		return ""
	}
	shotCtx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()
	data, err := c.page.Screenshot(shotCtx)
	if err != nil {
		r.logger.Warn("Screenshot failed, continuing without it.", zap.Error(err))
		return ""
	}
	if len(data) == 0 {
		r.logger.Warn("Screenshot was empty, continuing without it.")
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// classify maps an error to the status it ends the run with.
func (c *Controller) classify(ctx context.Context, err error) automation.RunStatus {
	switch {
	case ctx.Err() != nil:
		return automation.StatusInterrupted
	case errors.Is(err, automation.ErrCancelled):
		return automation.StatusCancelled
	default:
		return automation.StatusFailed
	}
}

// conclude clears the session and emits the single terminal message of a
// finished run. An interrupted run keeps its session and says nothing; the
// privileged context redelivers the rest.
func (c *Controller) conclude(ctx context.Context, r *run, status automation.RunStatus, err error) RunResult {
	res := RunResult{Status: status, Steps: r.steps, Outcomes: r.outcomes}
	if status != automation.StatusCompleted {
		res.Err = err
	}

	if status == automation.StatusInterrupted {
		r.logger.Info("Run interrupted, page context is gone.", zap.Int("step", r.steps))
		return res
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if r.session.ID != "" {
		if clearErr := c.sessions.ClearIf(cleanupCtx, r.session.ID); clearErr != nil {
			r.logger.Error("Failed to clear session.", zap.Error(clearErr))
		}
	}

	switch status {
	case automation.StatusCompleted:
		r.logger.Info("Run completed.", zap.Int("steps", r.steps), zap.Int("actions", len(r.outcomes)))
		c.reporter.Complete(ctx, protocol.SequenceComplete{SequenceID: r.req.SequenceID})
	default:
		code := automation.CodeOf(err)
		msg := err.Error()
		if status == automation.StatusCancelled {
			code = automation.ErrCodeCancelled
			if reason := c.cancel.Reason(); reason != "" {
				msg = fmt.Sprintf("automation stopped: %s", reason)
			}
		}
		step := r.steps
		r.logger.Warn("Run ended.", zap.String("status", string(status)), zap.String("code", string(code)), zap.Error(err))
		c.reporter.Error(ctx, protocol.SequenceError{
			SequenceID: r.req.SequenceID,
			Error:      msg,
			Code:       code,
			Step:       &step,
		})
	}
	return res
}
