package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/browser"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/decision"
	"github.com/xkilldash9x/pagepilot/internal/engine"
	"github.com/xkilldash9x/pagepilot/internal/prompt"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
	"github.com/xkilldash9x/pagepilot/internal/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTab struct {
	mu     sync.Mutex
	clicks []string
	typed  map[string]string
	events chan browser.Event
	// evalDelay makes every script take a while, like a real CDP round trip.
	evalDelay time.Duration
}

func newFakeTab() *fakeTab {
	t := &fakeTab{typed: map[string]string{}, events: make(chan browser.Event, 8)}
	t.events <- browser.Event{Kind: browser.EventReady, TargetID: "T1", URL: "https://example.test/signup"}
	return t
}

func (t *fakeTab) ID() string                                         { return "T1" }
func (t *fakeTab) Events() <-chan browser.Event                       { return t.events }
func (t *fakeTab) Evaluate(context.Context, string, interface{}) error {
	time.Sleep(t.evalDelay)
	return nil
}
func (t *fakeTab) Screenshot(context.Context) ([]byte, error)          { return nil, nil }

func (t *fakeTab) Click(_ context.Context, selector string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clicks = append(t.clicks, selector)
	return nil
}

func (t *fakeTab) Type(_ context.Context, selector, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typed[selector] = value
	return nil
}

type formSnapshotter struct{}

func (formSnapshotter) AwaitReady(ctx context.Context) error { return ctx.Err() }
func (formSnapshotter) ListElements(context.Context) ([]automation.ElementDescriptor, error) {
	return []automation.ElementDescriptor{
		{Index: 0, Markup: `<button>Sign up</button>`},
		{Index: 1, Markup: `<input type="email">`},
	}, nil
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Store.Driver = config.DriverMemory
	cfg.Engine.Screenshots = false
	cfg.Coordinator.SettleDelay = 0
	cfg.Coordinator.DeliveryRetryDelay = 5 * time.Millisecond
	cfg.Session.LookupInterval = time.Millisecond
	return cfg
}

func TestNew_Validates(t *testing.T) {
	_, err := New(context.Background(), nil, Options{}, zap.NewNop())
	assert.EqualError(t, err, "config cannot be nil")
	_, err = New(context.Background(), testConfig(), Options{}, nil)
	assert.EqualError(t, err, "logger cannot be nil")
}

func TestApp_RunsObjectiveEndToEnd(t *testing.T) {
	tab := newFakeTab()
	decider := decision.NewScripted(decision.Script{
		SessionID: "s-e2e",
		Steps: []automation.ActionBatch{
			{Actions: []automation.Action{automation.Click(0)}},
			{Actions: []automation.Action{automation.Type(1, "me@example.test"), automation.Finish()}},
		},
	})

	a, err := New(context.Background(), testConfig(), Options{
		Decider:        decider,
		Tab:            tab,
		NewSnapshotter: func(engine.Page) engine.Snapshotter { return formSnapshotter{} },
	}, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	var out strings.Builder
	term := prompt.NewTerminal(a.Bus, strings.NewReader(""), &out, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx, func(ctx context.Context) error {
		return term.RunObjective(ctx, "sign up")
	}))

	tab.mu.Lock()
	assert.Equal(t, []string{snapshot.Selector(0)}, tab.clicks)
	assert.Equal(t, "me@example.test", tab.typed[snapshot.Selector(1)])
	tab.mu.Unlock()

	assert.Contains(t, out.String(), "Started session s-e2e.")
	assert.Contains(t, out.String(), "Objective complete.")

	_, found, err := a.Store.Get(context.Background(), a.Config.Session.Key)
	require.NoError(t, err)
	assert.False(t, found, "a finished run leaves no session behind")

	assert.Len(t, decider.Requests(), 2)
}

// gatedDecider hands out numbered sessions and answers each session's first
// request with one click, then with an empty batch. The very first request
// is held until gate is closed.
type gatedDecider struct {
	mu       sync.Mutex
	sessions int
	seen     map[string]int
	requests []decision.StepRequest
	once     sync.Once
	entered  chan struct{}
	gate     chan struct{}
}

func newGatedDecider() *gatedDecider {
	return &gatedDecider{seen: map[string]int{}, entered: make(chan struct{}), gate: make(chan struct{})}
}

func (d *gatedDecider) InitSession(context.Context, string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions++
	return fmt.Sprintf("s-%d", d.sessions), nil
}

func (d *gatedDecider) NextAction(ctx context.Context, req decision.StepRequest) (automation.ActionBatch, error) {
	first := false
	d.once.Do(func() { first = true })
	if first {
		close(d.entered)
		select {
		case <-d.gate:
		case <-ctx.Done():
			return automation.ActionBatch{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	d.seen[req.SessionID]++
	if d.seen[req.SessionID] == 1 {
		return automation.ActionBatch{Actions: []automation.Action{automation.Click(0)}}, nil
	}
	return automation.ActionBatch{}, nil
}

func (d *gatedDecider) snapshot() (sessions int, requests []decision.StepRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions, append([]decision.StepRequest(nil), d.requests...)
}

func newSlowApp(t *testing.T, d decision.Service) (*App, *fakeTab) {
	t.Helper()
	tab := newFakeTab()
	tab.evalDelay = 30 * time.Millisecond
	a, err := New(context.Background(), testConfig(), Options{
		Decider:        d,
		Tab:            tab,
		NewSnapshotter: func(engine.Page) engine.Snapshotter { return formSnapshotter{} },
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, tab
}

func idle(a *App) func() bool {
	return func() bool {
		st := a.Coordinator.Snapshot()
		return !st.Active && st.Queued == "" && st.RunState == automation.RunStopped
	}
}

func TestApp_QueuedObjectiveRunsWhenActiveOneEnds(t *testing.T) {
	d := newGatedDecider()
	a, tab := newSlowApp(t, d)
	controls := prompt.NewControls(a.Bus, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var first, second protocol.StartAutomationResult
	err := a.Run(ctx, func(ctx context.Context) error {
		var err error
		if first, err = controls.Start(ctx, "first"); err != nil {
			return err
		}
		<-d.entered
		if second, err = controls.Start(ctx, "second"); err != nil {
			return err
		}
		close(d.gate)
		assert.Eventually(t, func() bool {
			_, requests := d.snapshot()
			return idle(a)() && len(requests) >= 4
		}, 5*time.Second, 10*time.Millisecond, "queued objective should run to completion")
		return nil
	})
	require.NoError(t, err)

	assert.True(t, first.Success)
	assert.Equal(t, "s-1", first.SessionID)
	assert.True(t, second.Queued)

	sessions, requests := d.snapshot()
	assert.Equal(t, 2, sessions)
	var forSecond int
	for _, r := range requests {
		if r.SessionID == "s-2" {
			forSecond++
		}
	}
	assert.Equal(t, 2, forSecond, "the queued run clicks once and then completes")

	tab.mu.Lock()
	assert.Len(t, tab.clicks, 2)
	tab.mu.Unlock()
}

func TestApp_StopThenRestartKeepsNewSession(t *testing.T) {
	d := newGatedDecider()
	a, tab := newSlowApp(t, d)
	controls := prompt.NewControls(a.Bus, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var restarted protocol.StartAutomationResult
	err := a.Run(ctx, func(ctx context.Context) error {
		if _, err := controls.Start(ctx, "first"); err != nil {
			return err
		}
		<-d.entered
		state, err := controls.StopAndWait(ctx, "changed my mind")
		if err != nil {
			return err
		}
		assert.Equal(t, automation.RunStopped, state)
		if restarted, err = controls.Start(ctx, "second"); err != nil {
			return err
		}
		// The stopped run only now gets its decision back and winds down.
		close(d.gate)
		assert.Eventually(t, func() bool {
			_, requests := d.snapshot()
			return idle(a)() && len(requests) >= 3
		}, 5*time.Second, 10*time.Millisecond, "restarted objective should run to completion")
		return nil
	})
	require.NoError(t, err)

	require.True(t, restarted.Success)
	assert.Equal(t, "s-2", restarted.SessionID)

	sessions, requests := d.snapshot()
	assert.Equal(t, 2, sessions, "the stopped run must not delete the new session")
	require.GreaterOrEqual(t, len(requests), 3)
	assert.Equal(t, "s-1", requests[0].SessionID)
	for _, r := range requests[1:] {
		assert.Equal(t, "s-2", r.SessionID)
	}

	tab.mu.Lock()
	assert.Len(t, tab.clicks, 1, "the stopped run never clicks")
	tab.mu.Unlock()
}

func TestNewDecider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sessionId":"s1","steps":[{"actions":[{"kind":"FINISH"}]}]}`), 0o600))

	svc, err := NewDecider(config.DecisionConfig{ScriptFile: path}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &decision.Scripted{}, svc)

	_, err = NewDecider(config.DecisionConfig{ScriptFile: filepath.Join(t.TempDir(), "missing.json")}, zap.NewNop())
	assert.Error(t, err)
}

func TestOpenSessions(t *testing.T) {
	cfg := testConfig()
	sessions, kv, err := OpenSessions(context.Background(), cfg, decision.NewScripted(decision.Script{SessionID: "s1"}), zap.NewNop())
	require.NoError(t, err)
	defer kv.Close()

	s, err := sessions.GetOrInitialize(context.Background(), "sign up")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)

	cur, ok, err := sessions.Current(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.ID, cur.ID)
	require.NoError(t, sessions.Clear(context.Background()))
}
