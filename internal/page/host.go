// internal/page/host.go
package page

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/browser"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

// Host binds page agents to a tab's document lifecycle. A new agent is
// started for every loaded document and closed when the main frame navigates
// away, which is what a content script would go through.
type Host struct {
	bus    *messaging.Bus
	tab    Tab
	deps   Deps
	cfg    config.EngineConfig
	logger *zap.Logger

	mu    sync.Mutex
	ctx   context.Context
	agent *Agent
}

// NewHost creates a Host for tab.
func NewHost(bus *messaging.Bus, tab Tab, deps Deps, cfg config.EngineConfig, logger *zap.Logger) *Host {
	return &Host{
		bus:    bus,
		tab:    tab,
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("host").With(zap.String("target_id", tab.ID())),
		ctx:    context.Background(),
	}
}

// ActiveTarget is the id of the tab automation runs in.
func (h *Host) ActiveTarget() string { return h.tab.ID() }

// Run follows tab events until ctx ends or the tab closes.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
	defer h.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-h.tab.Events():
			if !ok {
				return nil
			}
			h.handle(ctx, ev)
		}
	}
}

func (h *Host) handle(ctx context.Context, ev browser.Event) {
	switch ev.Kind {
	case browser.EventNavigated:
		h.closeAgent()
		h.notify(ctx, protocol.KindNavigationDetected, protocol.NavigationDetected{TargetID: ev.TargetID, FromURL: ev.FromURL, ToURL: ev.URL})
	case browser.EventReady:
		if err := h.Inject(ctx, ev.TargetID); err != nil {
			h.logger.Error("Failed to start page agent.", zap.Error(err))
			return
		}
		h.notify(ctx, protocol.KindContentScriptReady, protocol.ContentScriptReady{TargetID: ev.TargetID, URL: ev.URL})
	}
}

// Inject starts the page agent for targetID if none is running.
func (h *Host) Inject(ctx context.Context, targetID string) error {
	if targetID != h.tab.ID() {
		return fmt.Errorf("unknown target %s", targetID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.agent != nil {
		return nil
	}
	agent, err := NewAgent(h.ctx, h.bus, h.tab, h.deps, h.cfg, h.logger)
	if err != nil {
		return err
	}
	h.agent = agent
	h.logger.Debug("Page agent injected.")
	return nil
}

// Agent returns the current agent, if any.
func (h *Host) Agent() *Agent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agent
}

func (h *Host) closeAgent() {
	h.mu.Lock()
	agent := h.agent
	h.agent = nil
	h.mu.Unlock()
	if agent != nil {
		agent.Close()
	}
}

func (h *Host) notify(ctx context.Context, kind protocol.Kind, payload interface{}) {
	env, err := protocol.New(kind, protocol.PageAddress(h.tab.ID()), protocol.AddrCoordinator, payload)
	if err != nil {
		h.logger.Error("Failed to build notification.", zap.Error(err))
		return
	}
	if err := h.bus.Send(ctx, env); err != nil {
		h.logger.Warn("Coordinator did not take notification.", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// Close stops the current agent.
func (h *Host) Close() {
	h.closeAgent()
}
