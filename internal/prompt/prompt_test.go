package prompt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCoordinator answers START and hands every other message to onMessage.
type fakeCoordinator struct {
	bus    *messaging.Bus
	result protocol.StartAutomationResult
	got    chan protocol.Envelope
	// onMessage runs on the coordinator goroutine for non-START messages.
	onMessage func(protocol.Envelope)
}

func startCoordinator(t *testing.T, bus *messaging.Bus, result protocol.StartAutomationResult, onMessage func(protocol.Envelope)) *fakeCoordinator {
	t.Helper()
	fc := &fakeCoordinator{bus: bus, result: result, got: make(chan protocol.Envelope, 16), onMessage: onMessage}
	mailbox, release := bus.Register(protocol.AddrCoordinator)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range mailbox {
			if env.Kind == protocol.KindStartAutomation {
				reply, err := protocol.Reply(env, protocol.KindStartAutomationResult, fc.result)
				if err == nil {
					_ = bus.Send(context.Background(), reply)
				}
				if fc.onMessage != nil {
					fc.onMessage(env)
				}
			} else if fc.onMessage != nil {
				fc.onMessage(env)
			}
			fc.got <- env
		}
	}()
	t.Cleanup(func() {
		release()
		<-done
	})
	return fc
}

func (fc *fakeCoordinator) toPrompt(kind protocol.Kind, payload interface{}) {
	env, err := protocol.New(kind, protocol.AddrCoordinator, protocol.AddrPrompt, payload)
	if err != nil {
		panic(err)
	}
	_ = fc.bus.Send(context.Background(), env)
}

func (fc *fakeCoordinator) expect(t *testing.T, kind protocol.Kind) protocol.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-fc.got:
			if env.Kind == kind {
				return env
			}
		case <-timeout:
			t.Fatalf("coordinator never received %s", kind)
			return protocol.Envelope{}
		}
	}
}

func newBus(t *testing.T) *messaging.Bus {
	bus := messaging.NewBus(zap.NewNop(), 16)
	t.Cleanup(bus.Shutdown)
	return bus
}

// -- Hub --

type hubFixture struct {
	hub  *Hub
	bus  *messaging.Bus
	srv  *httptest.Server
	conn *websocket.Conn
}

func newHubFixture(t *testing.T, coord func(*messaging.Bus) *fakeCoordinator) (*hubFixture, *fakeCoordinator) {
	t.Helper()
	bus := newBus(t)
	fc := coord(bus)
	hub := NewHub(bus, config.ServerConfig{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	require.Eventually(t, func() bool { return bus.Has(protocol.AddrPrompt) }, time.Second, time.Millisecond)

	srv := httptest.NewServer(hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
		srv.Close()
	})
	return &hubFixture{hub: hub, bus: bus, srv: srv, conn: conn}, fc
}

func (f *hubFixture) read(t *testing.T) ServerMessage {
	t.Helper()
	require.NoError(t, f.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := f.conn.ReadMessage()
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func (f *hubFixture) write(t *testing.T, msg interface{}) {
	t.Helper()
	require.NoError(t, f.conn.WriteJSON(msg))
}

func defaultCoordinator(t *testing.T) func(*messaging.Bus) *fakeCoordinator {
	return func(bus *messaging.Bus) *fakeCoordinator {
		return startCoordinator(t, bus, protocol.StartAutomationResult{Success: true, SessionID: "s1"}, nil)
	}
}

func TestHub_Welcome(t *testing.T) {
	f, _ := newHubFixture(t, defaultCoordinator(t))

	msg := f.read(t)
	assert.Equal(t, TypeConnectionEstablished, msg.Type)
	assert.NotEmpty(t, msg.ClientID)
	assert.Eventually(t, func() bool { return f.hub.ActiveConnections() == 1 }, time.Second, time.Millisecond)
}

func TestHub_ClientMessages(t *testing.T) {
	f, fc := newHubFixture(t, defaultCoordinator(t))
	f.read(t)

	t.Run("ping", func(t *testing.T) {
		f.write(t, ClientMessage{Type: TypePing})
		assert.Equal(t, TypePong, f.read(t).Type)
	})

	t.Run("invalid json", func(t *testing.T) {
		require.NoError(t, f.conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
		msg := f.read(t)
		assert.Equal(t, TypeError, msg.Type)
		assert.Equal(t, "Invalid JSON format", msg.Message)
	})

	t.Run("unknown type", func(t *testing.T) {
		f.write(t, ClientMessage{Type: "bogus"})
		msg := f.read(t)
		assert.Equal(t, TypeError, msg.Type)
		assert.Equal(t, "Unknown message type: bogus", msg.Message)
	})

	t.Run("start", func(t *testing.T) {
		f.write(t, ClientMessage{Type: TypeStart, Objective: "sign up"})
		msg := f.read(t)
		require.Equal(t, TypeStartResult, msg.Type)
		var res protocol.StartAutomationResult
		require.NoError(t, json.Unmarshal(msg.Payload, &res))
		assert.True(t, res.Success)
		assert.Equal(t, "s1", res.SessionID)

		env := fc.expect(t, protocol.KindStartAutomation)
		assert.Equal(t, protocol.AddrPrompt, env.From)
	})

	t.Run("reply", func(t *testing.T) {
		f.write(t, ClientMessage{Type: TypeReply, SessionID: "s1", Response: "work"})
		env := fc.expect(t, protocol.KindUserResponse)
		var resp protocol.UserResponse
		require.NoError(t, env.Decode(&resp))
		assert.Equal(t, protocol.UserResponse{Response: "work", SessionID: "s1"}, resp)
	})

	t.Run("stop", func(t *testing.T) {
		f.write(t, ClientMessage{Type: TypeStop, Reason: "enough"})
		env := fc.expect(t, protocol.KindStopAutomation)
		assert.Equal(t, protocol.AddrPrompt, env.From)
	})
}

func TestHub_RelaysBusTraffic(t *testing.T) {
	f, fc := newHubFixture(t, defaultCoordinator(t))
	f.read(t)

	fc.toPrompt(protocol.KindRequestUserInput, protocol.RequestUserInput{Question: "Which email?", SessionID: "s1"})
	msg := f.read(t)
	assert.Equal(t, TypeEvent, msg.Type)
	assert.Equal(t, protocol.KindRequestUserInput, msg.Kind)
	var q protocol.RequestUserInput
	require.NoError(t, json.Unmarshal(msg.Payload, &q))
	assert.Equal(t, "Which email?", q.Question)

	require.NoError(t, f.hub.BroadcastMessage(map[string]string{"type": "notice"}))
	assert.Equal(t, "notice", f.read(t).Type)
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, originChecker(nil)(req("https://anything.test")))
	assert.True(t, originChecker([]string{"*"})(req("https://anything.test")))

	check := originChecker([]string{"http://localhost:3000"})
	assert.True(t, check(req("http://localhost:3000")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://evil.test")))
}

// -- Terminal --

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTerminal_RunObjectiveAnswersQuestions(t *testing.T) {
	bus := newBus(t)
	var fc *fakeCoordinator
	fc = startCoordinator(t, bus, protocol.StartAutomationResult{Success: true, SessionID: "s1"}, func(env protocol.Envelope) {
		switch env.Kind {
		case protocol.KindStartAutomation:
			fc.toPrompt(protocol.KindRunStateChanged, protocol.RunStateChanged{State: automation.RunRunning})
			fc.toPrompt(protocol.KindRequestUserInput, protocol.RequestUserInput{Question: "Which email?", SessionID: "s1"})
		case protocol.KindUserResponse:
			fc.toPrompt(protocol.KindSequenceComplete, protocol.SequenceComplete{SequenceID: "q1"})
		}
	})

	in, w := io.Pipe()
	t.Cleanup(func() { w.Close() })
	out := &lockedBuffer{}
	term := NewTerminal(bus, in, out, zap.NewNop())

	errc := make(chan error, 1)
	go func() { errc <- term.RunObjective(context.Background(), "sign up") }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "? Which email?") }, 2*time.Second, time.Millisecond)
	_, err := io.WriteString(w, "work\n")
	require.NoError(t, err)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal did not finish")
	}

	env := fc.expect(t, protocol.KindUserResponse)
	var resp protocol.UserResponse
	require.NoError(t, env.Decode(&resp))
	assert.Equal(t, "work", resp.Response)
	assert.Equal(t, "s1", resp.SessionID)

	text := out.String()
	assert.Contains(t, text, "Started session s1.")
	assert.Contains(t, text, "[RUNNING]")
	assert.Contains(t, text, "Objective complete.")
}

func TestTerminal_RunObjectiveFailure(t *testing.T) {
	bus := newBus(t)
	var fc *fakeCoordinator
	fc = startCoordinator(t, bus, protocol.StartAutomationResult{Success: true, SessionID: "s1"}, func(env protocol.Envelope) {
		if env.Kind == protocol.KindStartAutomation {
			fc.toPrompt(protocol.KindSequenceError, protocol.SequenceError{SequenceID: "q1", Error: "step limit reached", Code: automation.ErrCodeStepLimitExceeded})
		}
	})

	out := &lockedBuffer{}
	term := NewTerminal(bus, strings.NewReader(""), out, zap.NewNop())
	err := term.RunObjective(context.Background(), "sign up")
	require.Error(t, err)
	assert.Equal(t, automation.ErrCodeStepLimitExceeded, automation.CodeOf(err))
	assert.Contains(t, out.String(), "automation failed (STEP_LIMIT_EXCEEDED)")
}

func TestTerminal_RunObjectiveRejected(t *testing.T) {
	bus := newBus(t)
	startCoordinator(t, bus, protocol.StartAutomationResult{Error: "decision service unavailable"}, nil)

	term := NewTerminal(bus, strings.NewReader(""), io.Discard, zap.NewNop())
	err := term.RunObjective(context.Background(), "sign up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision service unavailable")

	assert.EqualError(t, term.RunObjective(context.Background(), "  "), "an objective is required")
}

func TestTerminal_Commands(t *testing.T) {
	bus := newBus(t)
	fc := startCoordinator(t, bus, protocol.StartAutomationResult{Success: true, Queued: true}, nil)

	out := &lockedBuffer{}
	in := strings.NewReader("/start sign up\n/nope\n/stop enough\n/quit\nnever read\n")
	term := NewTerminal(bus, in, out, zap.NewNop())
	require.NoError(t, term.Run(context.Background()))

	start := fc.expect(t, protocol.KindStartAutomation)
	var req protocol.StartAutomation
	require.NoError(t, start.Decode(&req))
	assert.Equal(t, "sign up", req.Objective)

	stop := fc.expect(t, protocol.KindStopAutomation)
	var s protocol.StopAutomation
	require.NoError(t, stop.Decode(&s))
	assert.Equal(t, "enough", s.Reason)

	text := out.String()
	assert.Contains(t, text, "Objective queued behind the current run.")
	assert.Contains(t, text, "unknown command /nope")
}

func TestControls_StopAndWait(t *testing.T) {
	bus := newBus(t)
	mailbox, release := bus.Register(protocol.AddrCoordinator)
	defer release()
	go func() {
		env, ok := <-mailbox
		if !ok {
			return
		}
		reply, _ := protocol.Reply(env, protocol.KindRunStateChanged, protocol.RunStateChanged{State: automation.RunStopped})
		_ = bus.Send(context.Background(), reply)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := NewControls(bus, "http").StopAndWait(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, automation.RunStopped, state)

	_, err = NewControls(bus, protocol.AddrPrompt).StopAndWait(ctx, "")
	assert.Error(t, err)
}

func TestControls_NoCoordinator(t *testing.T) {
	bus := newBus(t)
	_, err := NewControls(bus, protocol.AddrPrompt).Start(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrNoReceiver))
}
