// internal/page/agent.go
package page

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/browser"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/decision"
	"github.com/xkilldash9x/pagepilot/internal/engine"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

// Tab is the page target an agent is bound to.
type Tab interface {
	engine.Page
	ID() string
	Events() <-chan browser.Event
}

// Deps are what every page agent shares with the rest of the process.
type Deps struct {
	Decider  decision.Service
	Sessions engine.Sessions
	Feedback engine.Feedback
	// NewSnapshotter overrides how the page is observed. Nil uses the DOM
	// snapshotter.
	NewSnapshotter func(engine.Page) engine.Snapshotter
}

// Agent is the page context: it lives for exactly one loaded document and
// owns the execution loop running in it.
type Agent struct {
	bus        *messaging.Bus
	addr       string
	targetID   string
	controller *engine.Controller
	asker      *engine.Asker
	cancel     *engine.CancelFlag
	logger     *zap.Logger

	ctx     context.Context
	stop    context.CancelFunc
	release func()
	wg      sync.WaitGroup
	once    sync.Once

	// runMu guards the run slot. held is a delivery for another sequence that
	// arrived while the current run was still ending.
	runMu   sync.Mutex
	running bool
	current string
	held    *delivery

	// terminal is the run's final message. It is held until the run slot is
	// free so the coordinator can deliver the next objective straight away.
	terminalMu sync.Mutex
	terminal   *heldMessage
}

type heldMessage struct {
	kind    protocol.Kind
	payload interface{}
}

type delivery struct {
	kind protocol.Kind
	seq  protocol.Sequence
}

// NewAgent registers the agent's mailbox for tab and starts serving it.
func NewAgent(ctx context.Context, bus *messaging.Bus, tab Tab, deps Deps, cfg config.EngineConfig, logger *zap.Logger) (*Agent, error) {
	addr := protocol.PageAddress(tab.ID())
	log := logger.Named("page").With(zap.String("target_id", tab.ID()))

	a := &Agent{
		bus:      bus,
		addr:     addr,
		targetID: tab.ID(),
		cancel:   &engine.CancelFlag{},
		logger:   log,
	}
	a.asker = engine.NewAsker(a, a.cancel, cfg.UserReplyTimeout, cfg.CancelPollInterval, log)

	var snap engine.Snapshotter
	if deps.NewSnapshotter != nil {
		snap = deps.NewSnapshotter(tab)
	}
	controller, err := engine.NewController(cfg, engine.Deps{
		Page:        tab,
		Snapshotter: snap,
		Decider:     deps.Decider,
		Sessions:    deps.Sessions,
		Reporter:    a,
		Asker:       a.asker,
		Cancel:      a.cancel,
		Feedback:    deps.Feedback,
	}, log)
	if err != nil {
		return nil, err
	}
	a.controller = controller

	a.ctx, a.stop = context.WithCancel(ctx)
	mailbox, release := bus.Register(addr)
	a.release = release

	a.wg.Add(1)
	go a.serve(mailbox)
	log.Debug("Page agent started.")
	return a, nil
}

// Addr is the agent's mailbox address.
func (a *Agent) Addr() string { return a.addr }

// Running reports whether a run is in progress.
func (a *Agent) Running() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.running
}

func (a *Agent) serve(mailbox <-chan protocol.Envelope) {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case env, ok := <-mailbox:
			if !ok {
				return
			}
			a.handle(env)
		}
	}
}

func (a *Agent) handle(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindExecuteSequence, protocol.KindContinueSequence:
		var seq protocol.Sequence
		if err := env.Decode(&seq); err != nil {
			a.logger.Warn("Dropping malformed sequence.", zap.Error(err))
			return
		}
		a.start(env.Kind, seq)
	case protocol.KindStopAutomation:
		var stop protocol.StopAutomation
		_ = env.Decode(&stop)
		if stop.Reason == "" {
			stop.Reason = "stop requested"
		}
		a.runMu.Lock()
		a.held = nil
		a.runMu.Unlock()
		a.cancel.Cancel(stop.Reason)
		a.logger.Info("Stop requested.", zap.String("reason", stop.Reason))
	case protocol.KindUserResponse:
		var resp protocol.UserResponse
		if err := env.Decode(&resp); err != nil {
			a.logger.Warn("Dropping malformed user response.", zap.Error(err))
			return
		}
		a.asker.Resolve(resp.SessionID, resp.Response)
	default:
		a.logger.Debug("Ignoring message.", zap.String("kind", string(env.Kind)))
	}
}

func (a *Agent) start(kind protocol.Kind, seq protocol.Sequence) {
	a.runMu.Lock()
	if a.running {
		if seq.SequenceID != a.current {
			// The coordinator moved on (stop, then a new start) before the old
			// run noticed. Run the new sequence once the old one ends.
			a.held = &delivery{kind: kind, seq: seq}
			a.logger.Info("Previous run still ending, holding delivery.", zap.String("kind", string(kind)), zap.String("sequence_id", seq.SequenceID))
		} else {
			a.logger.Warn("Run already in progress, ignoring delivery.", zap.String("kind", string(kind)), zap.String("sequence_id", seq.SequenceID))
		}
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.current = seq.SequenceID
	a.cancel.Reset()
	a.runMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		d := &delivery{kind: kind, seq: seq}
		for d != nil {
			res := a.controller.Execute(a.ctx, runRequest(d))
			a.logger.Debug("Run returned.", zap.String("status", string(res.Status)), zap.Int("steps", res.Steps))
			d = a.finishRun()
			a.flushTerminal()
		}
	}()
}

func runRequest(d *delivery) engine.RunRequest {
	req := engine.RunRequest{
		Objective:  d.seq.Objective,
		SequenceID: d.seq.SequenceID,
		SessionID:  d.seq.SessionID,
		Step:       d.seq.Step,
	}
	if d.kind == protocol.KindContinueSequence {
		req.Pending = d.seq.Actions
	}
	return req
}

// finishRun frees the run slot, or hands it to a held delivery.
func (a *Agent) finishRun() *delivery {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	next := a.held
	a.held = nil
	if next == nil || a.ctx.Err() != nil {
		a.running = false
		a.current = ""
		return nil
	}
	a.current = next.seq.SequenceID
	a.cancel.Reset()
	return next
}

func (a *Agent) holdTerminal(kind protocol.Kind, payload interface{}) {
	a.terminalMu.Lock()
	defer a.terminalMu.Unlock()
	a.terminal = &heldMessage{kind: kind, payload: payload}
}

func (a *Agent) flushTerminal() {
	a.terminalMu.Lock()
	msg := a.terminal
	a.terminal = nil
	a.terminalMu.Unlock()
	if msg != nil {
		_ = a.send(a.ctx, msg.kind, msg.payload)
	}
}

// Close tears the agent down as if its document was unloaded. Any run in
// progress ends interrupted.
func (a *Agent) Close() {
	a.once.Do(func() {
		a.stop()
		a.release()
		a.wg.Wait()
		a.logger.Debug("Page agent closed.")
	})
}

// -- engine.Reporter and engine.QuestionSink over the bus --

func (a *Agent) send(ctx context.Context, kind protocol.Kind, payload interface{}) error {
	// A destroyed page context has nothing left to say.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	env, err := protocol.New(kind, a.addr, protocol.AddrCoordinator, payload)
	if err != nil {
		return err
	}
	if err := a.bus.Send(ctx, env); err != nil {
		a.logger.Warn("Failed to reach coordinator.", zap.String("kind", string(kind)), zap.Error(err))
		return err
	}
	return nil
}

func (a *Agent) Progress(ctx context.Context, update protocol.StepProgressUpdate) {
	_ = a.send(ctx, protocol.KindStepProgressUpdate, update)
}

func (a *Agent) Complete(ctx context.Context, done protocol.SequenceComplete) {
	a.holdTerminal(protocol.KindSequenceComplete, done)
}

func (a *Agent) Error(ctx context.Context, failure protocol.SequenceError) {
	a.holdTerminal(protocol.KindSequenceError, failure)
}

func (a *Agent) PostQuestion(ctx context.Context, q protocol.RequestUserInput) error {
	return a.send(ctx, protocol.KindRequestUserInput, q)
}
