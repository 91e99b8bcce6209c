// internal/prompt/terminal.go
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

// Terminal is a line based prompt surface. A line while a question is open
// answers it; otherwise it starts an objective. Lines starting with "/"
// are commands: /start <objective>, /stop [reason], /quit.
type Terminal struct {
	bus      *messaging.Bus
	controls *Controls
	in       io.Reader
	out      io.Writer
	logger   *zap.Logger

	mu       sync.Mutex
	question *protocol.RequestUserInput
}

// NewTerminal creates a Terminal reading in and writing out.
func NewTerminal(bus *messaging.Bus, in io.Reader, out io.Writer, logger *zap.Logger) *Terminal {
	return &Terminal{
		bus:      bus,
		controls: NewControls(bus, protocol.AddrPrompt),
		in:       in,
		out:      out,
		logger:   logger.Named("terminal"),
	}
}

// errQuit ends an interactive session.
var errQuit = errors.New("quit")

// Run is the interactive loop. It returns nil on /quit and ctx.Err when ctx
// ends.
func (t *Terminal) Run(ctx context.Context) error {
	err := t.loop(ctx, "")
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// RunObjective starts objective and serves questions until it finishes. A
// failed run is returned as an error.
func (t *Terminal) RunObjective(ctx context.Context, objective string) error {
	if strings.TrimSpace(objective) == "" {
		return errors.New("an objective is required")
	}
	err := t.loop(ctx, objective)
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func (t *Terminal) loop(ctx context.Context, objective string) error {
	mailbox, release := t.bus.Register(protocol.AddrPrompt)
	defer release()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := t.readLines(ctx)
	once := objective != ""
	if once {
		res, err := t.controls.Start(ctx, objective)
		if err != nil {
			return err
		}
		t.renderStart(res)
		if res.Error != "" {
			return errors.New(res.Error)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				// Input closed: keep relaying until the run ends.
				lines = nil
				if !once {
					return nil
				}
				continue
			}
			if err := t.command(ctx, line); err != nil {
				return err
			}
		case env, ok := <-mailbox:
			if !ok {
				return messaging.ErrShutdown
			}
			done, err := t.render(env)
			if once && done {
				return err
			}
		}
	}
}

func (t *Terminal) readLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(t.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			t.logger.Warn("Stopped reading input.", zap.Error(err))
		}
	}()
	return lines
}

func (t *Terminal) command(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if strings.HasPrefix(line, "/") {
		name, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)
		switch name {
		case "quit", "exit":
			return errQuit
		case "stop":
			if err := t.controls.Stop(ctx, arg); err != nil {
				t.printf("! could not stop: %v\n", err)
			}
		case "start":
			return t.start(ctx, arg)
		default:
			t.printf("! unknown command /%s\n", name)
		}
		return nil
	}

	if q := t.takeQuestion(); q != nil {
		if err := t.controls.Reply(ctx, q.SessionID, line); err != nil {
			t.printf("! could not send reply: %v\n", err)
		}
		return nil
	}
	return t.start(ctx, line)
}

func (t *Terminal) start(ctx context.Context, objective string) error {
	if objective == "" {
		t.printf("! an objective is required\n")
		return nil
	}
	res, err := t.controls.Start(ctx, objective)
	if err != nil {
		return err
	}
	t.renderStart(res)
	return nil
}

func (t *Terminal) takeQuestion() *protocol.RequestUserInput {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.question
	t.question = nil
	return q
}

// render prints env. It reports whether the message ends a run, with the
// run's error if it failed.
func (t *Terminal) render(env protocol.Envelope) (bool, error) {
	switch env.Kind {
	case protocol.KindRunStateChanged:
		var rs protocol.RunStateChanged
		if env.Decode(&rs) == nil {
			t.printf("[%s]\n", rs.State)
		}
	case protocol.KindStartAutomationResult:
		var res protocol.StartAutomationResult
		if env.Decode(&res) == nil {
			t.renderStart(res)
		}
	case protocol.KindStepProgressUpdate:
		var p protocol.StepProgressUpdate
		if env.Decode(&p) == nil {
			t.printf("  step %d, %d action(s) left in batch\n", p.CompletedStepIndex, len(p.RemainingActions))
		}
	case protocol.KindRequestUserInput:
		var q protocol.RequestUserInput
		if env.Decode(&q) == nil {
			t.mu.Lock()
			t.question = &q
			t.mu.Unlock()
			t.printf("? %s\n> ", q.Question)
		}
	case protocol.KindSequenceComplete:
		t.printf("Objective complete.\n")
		return true, nil
	case protocol.KindSequenceError:
		var failure protocol.SequenceError
		if err := env.Decode(&failure); err != nil {
			return true, err
		}
		t.printf("! automation failed (%s): %s\n", failure.Code, failure.Error)
		return true, &automation.AutomationError{Code: failure.Code, Message: failure.Error}
	default:
		t.logger.Debug("Ignoring message.", zap.String("kind", string(env.Kind)))
	}
	return false, nil
}

func (t *Terminal) renderStart(res protocol.StartAutomationResult) {
	switch {
	case res.Error != "":
		t.printf("! could not start: %s\n", res.Error)
	case res.Queued:
		t.printf("Objective queued behind the current run.\n")
	default:
		t.printf("Started session %s.\n", res.SessionID)
	}
}

func (t *Terminal) printf(format string, args ...interface{}) {
	fmt.Fprintf(t.out, format, args...)
}
