package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/decision"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Fakes --

type fakePage struct {
	mu          sync.Mutex
	overlays    int
	setups      int
	teardowns   int
	sweeps      int
	teardownErr error
	clicks      []string
	typed       map[string]string
	clickErr    error
	onClick     func()
	shot        []byte
	shotErr     error
}

func (p *fakePage) Evaluate(ctx context.Context, script string, out interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case script == setupScript:
		p.setups++
		p.overlays = 1
	case script == teardownScript:
		p.teardowns++
		if p.teardownErr != nil {
			return p.teardownErr
		}
		p.overlays = 0
	case strings.Contains(script, "querySelectorAll('[data-pilot-artifact]')"):
		p.sweeps++
		p.overlays = 0
	}
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clickErr != nil {
		return p.clickErr
	}
	p.clicks = append(p.clicks, selector)
	if p.onClick != nil {
		p.onClick()
	}
	return nil
}

func (p *fakePage) Type(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typed == nil {
		p.typed = map[string]string{}
	}
	p.typed[selector] = value
	return nil
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.shot, p.shotErr
}

type fakeSnapshotter struct {
	elements []automation.ElementDescriptor
	err      error
	readyErr error
}

func (s *fakeSnapshotter) AwaitReady(ctx context.Context) error {
	if s.readyErr != nil {
		return s.readyErr
	}
	return ctx.Err()
}

func (s *fakeSnapshotter) ListElements(ctx context.Context) ([]automation.ElementDescriptor, error) {
	return s.elements, s.err
}

func elements(n int) []automation.ElementDescriptor {
	out := make([]automation.ElementDescriptor, n)
	for i := range out {
		out[i] = automation.ElementDescriptor{Index: i, Markup: "<button>b</button>"}
	}
	return out
}

type fakeDecider struct {
	mu       sync.Mutex
	next     func(call int, req decision.StepRequest) (automation.ActionBatch, error)
	requests []decision.StepRequest
}

func (d *fakeDecider) InitSession(ctx context.Context, objective string) (string, error) {
	return "s-1", nil
}

func (d *fakeDecider) NextAction(ctx context.Context, req decision.StepRequest) (automation.ActionBatch, error) {
	d.mu.Lock()
	call := len(d.requests)
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	return d.next(call, req)
}

// batches returns the given batches in order, then empty ones.
func batches(bs ...automation.ActionBatch) func(int, decision.StepRequest) (automation.ActionBatch, error) {
	return func(call int, _ decision.StepRequest) (automation.ActionBatch, error) {
		if call < len(bs) {
			return bs[call], nil
		}
		return automation.ActionBatch{}, nil
	}
}

func batch(actions ...automation.Action) automation.ActionBatch {
	return automation.ActionBatch{Actions: actions}
}

type fakeSessions struct {
	mu         sync.Mutex
	cleared    int
	clearedIDs []string
}

func (s *fakeSessions) GetOrInitialize(ctx context.Context, objective string) (automation.Session, error) {
	return automation.Session{ID: "s-1", Objective: objective}, nil
}

func (s *fakeSessions) ClearIf(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	s.clearedIDs = append(s.clearedIDs, sessionID)
	return nil
}

type recordingReporter struct {
	mu        sync.Mutex
	progress  []protocol.StepProgressUpdate
	completes []protocol.SequenceComplete
	errs      []protocol.SequenceError
	// onTerminal runs before a terminal message is recorded.
	onTerminal func()
}

func (r *recordingReporter) Progress(_ context.Context, u protocol.StepProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, u)
}

func (r *recordingReporter) Complete(_ context.Context, c protocol.SequenceComplete) {
	if r.onTerminal != nil {
		r.onTerminal()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, c)
}

func (r *recordingReporter) Error(_ context.Context, e protocol.SequenceError) {
	if r.onTerminal != nil {
		r.onTerminal()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, e)
}

func (r *recordingReporter) terminals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completes) + len(r.errs)
}

type sinkFunc func(ctx context.Context, q protocol.RequestUserInput) error

func (f sinkFunc) PostQuestion(ctx context.Context, q protocol.RequestUserInput) error { return f(ctx, q) }

// -- Harness --

type harness struct {
	page     *fakePage
	snap     *fakeSnapshotter
	decider  *fakeDecider
	sessions *fakeSessions
	reporter *recordingReporter
	cancel   *CancelFlag
	asker    *Asker
	sink     sinkFunc
	cfg      config.EngineConfig
	logger   *zap.Logger
}

func newHarness(next func(int, decision.StepRequest) (automation.ActionBatch, error)) *harness {
	h := &harness{
		page:     &fakePage{},
		snap:     &fakeSnapshotter{elements: elements(1)},
		decider:  &fakeDecider{next: next},
		sessions: &fakeSessions{},
		reporter: &recordingReporter{},
		cancel:   &CancelFlag{},
		cfg: config.EngineConfig{
			MaxSteps:           10,
			UserReplyTimeout:   time.Second,
			CancelPollInterval: 5 * time.Millisecond,
		},
		logger: zap.NewNop(),
	}
	h.sink = func(context.Context, protocol.RequestUserInput) error { return nil }
	return h
}

func (h *harness) controller(t *testing.T) *Controller {
	t.Helper()
	h.asker = NewAsker(sinkFunc(func(ctx context.Context, q protocol.RequestUserInput) error { return h.sink(ctx, q) }),
		h.cancel, h.cfg.UserReplyTimeout, h.cfg.CancelPollInterval, h.logger)
	c, err := NewController(h.cfg, Deps{
		Page:        h.page,
		Snapshotter: h.snap,
		Decider:     h.decider,
		Sessions:    h.sessions,
		Reporter:    h.reporter,
		Asker:       h.asker,
		Cancel:      h.cancel,
	}, h.logger)
	require.NoError(t, err)
	return c
}

func (h *harness) run(t *testing.T) RunResult {
	t.Helper()
	return h.controller(t).Execute(context.Background(), RunRequest{Objective: "sign up", SequenceID: "seq-1"})
}

// assertBalanced checks that interaction blocking was released.
func (h *harness) assertBalanced(t *testing.T) {
	t.Helper()
	assert.Equal(t, 1, h.page.setups)
	assert.Equal(t, 0, h.page.overlays, "overlay left behind")
}

// -- Tests --

func TestExecute_EmptyFirstBatchCompletes(t *testing.T) {
	h := newHarness(batches())
	res := h.run(t)

	assert.Equal(t, automation.StatusCompleted, res.Status)
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, 1, res.Steps)
	assert.Empty(t, h.page.clicks)
	assert.Equal(t, []protocol.SequenceComplete{{SequenceID: "seq-1"}}, h.reporter.completes)
	assert.Equal(t, 1, h.reporter.terminals())
	assert.Equal(t, 1, h.sessions.cleared)
	assert.Equal(t, []string{"s-1"}, h.sessions.clearedIDs, "only the run's own session is cleared")
	h.assertBalanced(t)
}

func TestExecute_TeardownPrecedesTerminalMessage(t *testing.T) {
	for _, tc := range []struct {
		name string
		next func(int, decision.StepRequest) (automation.ActionBatch, error)
	}{
		{"completed", batches(batch(automation.Click(0)), batch(automation.Finish()))},
		{"failed", batches(batch(automation.Fail("cannot continue")))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(tc.next)
			overlaysAtTerminal := -1
			h.reporter.onTerminal = func() {
				h.page.mu.Lock()
				defer h.page.mu.Unlock()
				overlaysAtTerminal = h.page.overlays
			}
			h.run(t)

			assert.Equal(t, 1, h.reporter.terminals())
			assert.Equal(t, 0, overlaysAtTerminal, "blocking must be released before the run is reported done")
			assert.Equal(t, 1, h.page.teardowns)
		})
	}
}

func TestExecute_ClickContinuesToNextTurn(t *testing.T) {
	h := newHarness(batches(batch(automation.Click(0))))
	res := h.run(t)

	require.Equal(t, automation.StatusCompleted, res.Status)
	assert.Equal(t, []automation.ActionOutcome{automation.Succeeded()}, res.Outcomes)
	assert.Equal(t, []string{`[data-pilot-index="0"]`}, h.page.clicks)
	require.Len(t, h.decider.requests, 2)
	assert.Equal(t, "s-1", h.decider.requests[0].SessionID)
	assert.Equal(t, []string{"<button>b</button>"}, h.decider.requests[0].ElementMarkups)
	assert.Empty(t, h.decider.requests[0].LastOutcomes)
	assert.Equal(t, []automation.ActionOutcome{automation.Succeeded()}, h.decider.requests[1].LastOutcomes)

	require.Len(t, h.reporter.progress, 1)
	assert.Equal(t, 1, h.reporter.progress[0].CompletedStepIndex)
	assert.Empty(t, h.reporter.progress[0].RemainingActions)
}

func TestExecute_InvalidIndexIsFoldedForward(t *testing.T) {
	h := newHarness(batches(batch(automation.Click(5))))
	h.snap.elements = elements(2)
	res := h.run(t)

	require.Equal(t, automation.StatusCompleted, res.Status)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, automation.OutcomeFail, res.Outcomes[0].Status)
	assert.True(t, strings.HasPrefix(res.Outcomes[0].ErrorMessage, "Invalid element index 5"), res.Outcomes[0].ErrorMessage)
	assert.Empty(t, h.page.clicks)

	require.Len(t, h.decider.requests, 2)
	assert.Equal(t, res.Outcomes, h.decider.requests[1].LastOutcomes)
}

func TestExecute_MissingIndex(t *testing.T) {
	h := newHarness(batches(batch(automation.Action{Kind: automation.ActionType, Value: "x"})))
	res := h.run(t)

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, automation.Failed("Missing element index for TYPE"), res.Outcomes[0])
}

func TestExecute_PhysicalFailureBecomesOutcome(t *testing.T) {
	h := newHarness(batches(batch(automation.Click(0))))
	h.page.clickErr = errors.New("could not find node with given id")
	res := h.run(t)

	require.Equal(t, automation.StatusCompleted, res.Status)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "CLICK on element 0 failed: element is no longer on the page", res.Outcomes[0].ErrorMessage)
}

func TestExecute_BackendUnavailable(t *testing.T) {
	unavailable := &automation.BackendUnavailableError{Attempts: 3, Err: errors.New("connection refused")}
	h := newHarness(func(int, decision.StepRequest) (automation.ActionBatch, error) {
		return automation.ActionBatch{}, unavailable
	})
	res := h.run(t)

	assert.Equal(t, automation.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, unavailable)
	require.Len(t, h.reporter.errs, 1)
	assert.Equal(t, automation.ErrCodeBackendUnavailable, h.reporter.errs[0].Code)
	assert.Equal(t, "seq-1", h.reporter.errs[0].SequenceID)
	assert.Equal(t, 1, h.reporter.terminals())
	assert.Equal(t, 1, h.sessions.cleared)
	h.assertBalanced(t)
	assert.Equal(t, 1, h.page.sweeps, "failed runs sweep artifacts")
}

func TestExecute_AskUserThreadsReply(t *testing.T) {
	h := newHarness(batches(batch(automation.AskUser("Which email?"))))

	var ignored, resolved bool
	h.sink = func(ctx context.Context, q protocol.RequestUserInput) error {
		assert.Equal(t, "Which email?", q.Question)
		assert.Equal(t, "s-1", q.SessionID)
		ignored = !h.asker.Resolve("other-session", "wrong")
		resolved = h.asker.Resolve(q.SessionID, "work@example.test")
		return nil
	}
	res := h.run(t)

	require.Equal(t, automation.StatusCompleted, res.Status)
	assert.True(t, ignored)
	assert.True(t, resolved)
	require.Len(t, h.decider.requests, 2)
	assert.Empty(t, h.decider.requests[0].UserReply)
	assert.Equal(t, "work@example.test", h.decider.requests[1].UserReply)
	assert.Equal(t, 2, res.Steps, "the reply round counts once")
	assert.False(t, h.asker.Pending("s-1"))
}

func TestExecute_AskUserReplyDropsRestOfBatch(t *testing.T) {
	h := newHarness(batches(batch(automation.AskUser("Which?"), automation.Click(0))))
	h.sink = func(ctx context.Context, q protocol.RequestUserInput) error {
		h.asker.Resolve(q.SessionID, "first")
		return nil
	}
	res := h.run(t)

	require.Equal(t, automation.StatusCompleted, res.Status)
	assert.Empty(t, h.page.clicks)
	assert.Len(t, res.Outcomes, 1)
}

func TestExecute_UserReplyTimeoutIsTerminal(t *testing.T) {
	h := newHarness(batches(batch(automation.AskUser("Anyone?"))))
	h.cfg.UserReplyTimeout = 20 * time.Millisecond
	res := h.run(t)

	assert.Equal(t, automation.StatusFailed, res.Status)
	var timeout *automation.UserReplyTimeoutError
	require.ErrorAs(t, res.Err, &timeout)
	require.Len(t, h.reporter.errs, 1)
	assert.Equal(t, automation.ErrCodeUserReplyTimeout, h.reporter.errs[0].Code)
	h.assertBalanced(t)
}

func TestExecute_StepLimit(t *testing.T) {
	h := newHarness(func(int, decision.StepRequest) (automation.ActionBatch, error) {
		return batch(automation.Click(0)), nil
	})
	h.cfg.MaxSteps = 3
	res := h.run(t)

	assert.Equal(t, automation.StatusFailed, res.Status)
	var limit *automation.StepLimitExceededError
	require.ErrorAs(t, res.Err, &limit)
	assert.Equal(t, 3, limit.Limit)
	assert.Equal(t, 3, res.Steps)
	assert.Len(t, h.decider.requests, 3)
	assert.Equal(t, automation.ErrCodeStepLimitExceeded, h.reporter.errs[0].Code)
	require.NotNil(t, h.reporter.errs[0].Step)
	assert.Equal(t, 3, *h.reporter.errs[0].Step)
}

func TestExecute_CancelTakesEffectAfterDecision(t *testing.T) {
	var h *harness
	h = newHarness(func(int, decision.StepRequest) (automation.ActionBatch, error) {
		h.cancel.Cancel("user pressed stop")
		return batch(automation.Click(0)), nil
	})
	res := h.run(t)

	assert.Equal(t, automation.StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, automation.ErrCancelled)
	assert.Empty(t, h.page.clicks, "no action of the batch runs after a stop")
	require.Len(t, h.reporter.errs, 1)
	assert.Equal(t, automation.ErrCodeCancelled, h.reporter.errs[0].Code)
	assert.Equal(t, "automation stopped: user pressed stop", h.reporter.errs[0].Error)
	assert.Equal(t, 1, h.sessions.cleared)
	h.assertBalanced(t)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	h := newHarness(batches())
	h.cancel.Cancel("stop")
	res := h.run(t)

	assert.Equal(t, automation.StatusCancelled, res.Status)
	assert.Empty(t, h.decider.requests)
}

func TestExecute_FailActionAborts(t *testing.T) {
	h := newHarness(batches(batch(automation.Click(0), automation.Fail("form is broken"), automation.Click(0))))
	res := h.run(t)

	assert.Equal(t, automation.StatusFailed, res.Status)
	assert.Len(t, res.Outcomes, 1, "only actions executed before the failure are recorded")
	assert.Len(t, h.page.clicks, 1)
	require.Len(t, h.reporter.errs, 1)
	assert.Equal(t, automation.ErrCodeActionFailed, h.reporter.errs[0].Code)
	assert.Contains(t, h.reporter.errs[0].Error, "form is broken")
	h.assertBalanced(t)
}

func TestExecute_FinishStopsBothLoops(t *testing.T) {
	h := newHarness(batches(batch(automation.Click(0), automation.Finish(), automation.Click(0))))
	res := h.run(t)

	assert.Equal(t, automation.StatusCompleted, res.Status)
	assert.Len(t, res.Outcomes, 2)
	assert.Len(t, h.page.clicks, 1)
	assert.Len(t, h.decider.requests, 1)
}

func TestExecute_UnknownKindIsFatal(t *testing.T) {
	h := newHarness(batches(batch(automation.Action{Kind: "HOVER"})))
	res := h.run(t)

	assert.Equal(t, automation.StatusFailed, res.Status)
	assert.Equal(t, automation.ErrCodeUnknownActionKind, automation.CodeOf(res.Err))
	h.assertBalanced(t)
}

func TestExecute_NoInteractiveElements(t *testing.T) {
	h := newHarness(batches())
	h.snap.elements = nil
	h.snap.err = &automation.NoInteractiveElementsError{URL: "https://example.test"}
	res := h.run(t)

	require.Equal(t, automation.StatusCompleted, res.Status)
	require.Len(t, h.decider.requests, 1)
	req := h.decider.requests[0]
	assert.Empty(t, req.ElementMarkups)
	assert.Equal(t, []automation.ActionOutcome{automation.Failed("no interactive elements found on https://example.test")}, req.LastOutcomes)
}

func TestExecute_NavigationInterrupts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(func(call int, _ decision.StepRequest) (automation.ActionBatch, error) {
		if call == 0 {
			return batch(automation.Click(0), automation.Type(0, "x")), nil
		}
		cancel()
		return automation.ActionBatch{}, ctx.Err()
	})
	res := h.controller(t).Execute(ctx, RunRequest{Objective: "sign up", SequenceID: "seq-1"})

	assert.Equal(t, automation.StatusInterrupted, res.Status)
	assert.Zero(t, h.reporter.terminals(), "navigation is not reported as an outcome")
	assert.Zero(t, h.sessions.cleared, "the session survives navigation")
	require.Len(t, h.reporter.progress, 2)
	assert.Equal(t, []automation.Action{automation.Type(0, "x")}, h.reporter.progress[0].RemainingActions)
	h.assertBalanced(t)
}

func TestExecute_FirstActionNavigatesAwayReportsRestOfBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(batches(batch(automation.Click(0), automation.Type(0, "x"), automation.Finish())))
	var reportedBeforeClick []protocol.StepProgressUpdate
	h.page.onClick = func() {
		h.reporter.mu.Lock()
		reportedBeforeClick = append(reportedBeforeClick, h.reporter.progress...)
		h.reporter.mu.Unlock()
		// The click loads a new document, destroying this page context.
		cancel()
	}
	res := h.controller(t).Execute(ctx, RunRequest{Objective: "sign up", SequenceID: "seq-1"})

	assert.Equal(t, automation.StatusInterrupted, res.Status)
	require.Len(t, reportedBeforeClick, 1)
	assert.Equal(t, []automation.Action{automation.Type(0, "x"), automation.Finish()}, reportedBeforeClick[0].RemainingActions)
	assert.Empty(t, h.page.typed)
	h.assertBalanced(t)
}

func TestExecute_ContinuationRunsPendingFirst(t *testing.T) {
	h := newHarness(batches())
	h.snap.elements = elements(2)
	c := h.controller(t)

	res := c.Execute(context.Background(), RunRequest{
		Objective:  "sign up",
		SequenceID: "seq-1",
		Pending:    []automation.Action{automation.Type(1, "a@example.test")},
		Step:       4,
	})

	require.Equal(t, automation.StatusCompleted, res.Status)
	assert.Equal(t, map[string]string{`[data-pilot-index="1"]`: "a@example.test"}, h.page.typed)
	assert.Equal(t, 5, res.Steps)
	require.Len(t, h.decider.requests, 1)
	assert.Equal(t, []automation.ActionOutcome{automation.Succeeded()}, h.decider.requests[0].LastOutcomes)
}

func TestExecute_Screenshots(t *testing.T) {
	t.Run("attached when captured", func(t *testing.T) {
		h := newHarness(batches())
		h.cfg.Screenshots = true
		h.page.shot = []byte{0x89, 'P', 'N', 'G'}
		h.run(t)
		require.Len(t, h.decider.requests, 1)
		assert.Equal(t, base64.StdEncoding.EncodeToString(h.page.shot), h.decider.requests[0].Screenshot)
	})

	t.Run("omitted on failure", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		h := newHarness(batches())
		h.logger = zap.New(core)
		h.cfg.Screenshots = true
		h.page.shotErr = errors.New("target crashed")
		res := h.run(t)

		assert.Equal(t, automation.StatusCompleted, res.Status)
		assert.Empty(t, h.decider.requests[0].Screenshot)
		assert.Equal(t, 1, logs.FilterMessage("Screenshot failed, continuing without it.").Len())
	})

	t.Run("omitted when empty", func(t *testing.T) {
		h := newHarness(batches())
		h.cfg.Screenshots = true
		h.run(t)
		assert.Empty(t, h.decider.requests[0].Screenshot)
	})
}

func TestExecute_OutcomeCountMatchesExecutedActions(t *testing.T) {
	h := newHarness(batches(
		batch(automation.Click(0), automation.Type(0, "v")),
		batch(automation.Click(3)),
	))
	res := h.run(t)

	want := []automation.ActionOutcome{
		automation.Succeeded(),
		automation.Succeeded(),
		automation.Failed("Invalid element index 3: snapshot has 1 elements"),
	}
	if diff := cmp.Diff(want, res.Outcomes); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestNewController_ValidatesDeps(t *testing.T) {
	_, err := NewController(config.EngineConfig{}, Deps{}, zap.NewNop())
	assert.EqualError(t, err, "page cannot be nil")
	_, err = NewController(config.EngineConfig{}, Deps{Page: &fakePage{}}, nil)
	assert.EqualError(t, err, "logger cannot be nil")
}
