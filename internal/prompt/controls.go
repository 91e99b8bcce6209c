// internal/prompt/controls.go
package prompt

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

// Controls puts user intents on the bus on behalf of a surface.
type Controls struct {
	bus  *messaging.Bus
	from string
}

// NewControls creates Controls sending as from. Surfaces that register the
// prompt mailbox should pass protocol.AddrPrompt.
func NewControls(bus *messaging.Bus, from string) *Controls {
	return &Controls{bus: bus, from: from}
}

// Start asks the coordinator to run objective and waits for its answer.
func (c *Controls) Start(ctx context.Context, objective string) (protocol.StartAutomationResult, error) {
	env, err := protocol.New(protocol.KindStartAutomation, c.from, protocol.AddrCoordinator, protocol.StartAutomation{Objective: objective})
	if err != nil {
		return protocol.StartAutomationResult{}, err
	}
	reply, err := c.bus.Request(ctx, env)
	if err != nil {
		return protocol.StartAutomationResult{}, fmt.Errorf("coordinator did not answer start: %w", err)
	}
	var res protocol.StartAutomationResult
	if err := reply.Decode(&res); err != nil {
		return protocol.StartAutomationResult{}, err
	}
	return res, nil
}

// Stop asks the coordinator to stop without waiting. The new state arrives
// as a RUN_STATE_CHANGED broadcast.
func (c *Controls) Stop(ctx context.Context, reason string) error {
	env, err := protocol.New(protocol.KindStopAutomation, c.from, protocol.AddrCoordinator, protocol.StopAutomation{Reason: reason})
	if err != nil {
		return err
	}
	return c.bus.Send(ctx, env)
}

// StopAndWait stops the run and returns the state the coordinator settled
// in. It needs a sender other than the prompt mailbox, which gets no reply.
func (c *Controls) StopAndWait(ctx context.Context, reason string) (automation.RunState, error) {
	if c.from == protocol.AddrPrompt {
		return "", errors.New("the prompt surface observes stop through broadcasts")
	}
	env, err := protocol.New(protocol.KindStopAutomation, c.from, protocol.AddrCoordinator, protocol.StopAutomation{Reason: reason})
	if err != nil {
		return "", err
	}
	reply, err := c.bus.Request(ctx, env)
	if err != nil {
		return "", fmt.Errorf("coordinator did not answer stop: %w", err)
	}
	var rs protocol.RunStateChanged
	if err := reply.Decode(&rs); err != nil {
		return "", err
	}
	return rs.State, nil
}

// Reply answers the pending question of sessionID.
func (c *Controls) Reply(ctx context.Context, sessionID, response string) error {
	env, err := protocol.New(protocol.KindUserResponse, c.from, protocol.AddrCoordinator, protocol.UserResponse{Response: response, SessionID: sessionID})
	if err != nil {
		return err
	}
	return c.bus.Send(ctx, env)
}
