// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pagepilot/internal/browser"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/coordinator"
	"github.com/xkilldash9x/pagepilot/internal/decision"
	"github.com/xkilldash9x/pagepilot/internal/engine"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/page"
	"github.com/xkilldash9x/pagepilot/internal/poll"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
	"github.com/xkilldash9x/pagepilot/internal/session"
	"github.com/xkilldash9x/pagepilot/internal/store"
)

// Options override parts of the composition.
type Options struct {
	// Decider replaces the configured decision service.
	Decider decision.Service
	// StartURL replaces browser.start_url.
	StartURL string
	// Tab replaces the launched browser. The caller owns its lifetime.
	Tab page.Tab
	// Feedback receives interaction hooks. Nil means none.
	Feedback engine.Feedback
	// NewSnapshotter replaces the DOM snapshotter.
	NewSnapshotter func(engine.Page) engine.Snapshotter
}

// App is one running process: the coordinator, one page host and the bus
// between them. The prompt surface is supplied to Run.
type App struct {
	Config      *config.Config
	Bus         *messaging.Bus
	Store       store.KV
	Coordinator *coordinator.Coordinator
	Host        *page.Host

	logger  *zap.Logger
	browser *browser.Browser
	tab     *browser.Tab
}

// NewDecider builds the decision service named by cfg: a script file when
// one is set, the remote client otherwise.
func NewDecider(cfg config.DecisionConfig, logger *zap.Logger) (decision.Service, error) {
	if cfg.ScriptFile != "" {
		scripted, err := decision.LoadScript(cfg.ScriptFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Using scripted decisions.", zap.String("script", cfg.ScriptFile))
		return scripted, nil
	}
	return decision.NewClient(cfg, logger)
}

// OpenSessions opens the durable store and a session coordinator over it,
// without a decision service. It is enough to inspect or clear the session.
func OpenSessions(ctx context.Context, cfg *config.Config, init session.Initializer, logger *zap.Logger) (*session.Coordinator, store.KV, error) {
	kv, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}
	return session.New(kv, init, cfg.Session, logger), kv, nil
}

// New assembles the process. Each context gets its own session coordinator
// over the shared store.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	a := &App{Config: cfg, logger: logger.Named("app")}

	decider := opts.Decider
	if decider == nil {
		var err error
		if decider, err = NewDecider(cfg.Decision, logger); err != nil {
			return nil, fmt.Errorf("failed to create decision service: %w", err)
		}
	}

	kv, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.Store = kv

	tab := opts.Tab
	if tab == nil {
		url := opts.StartURL
		if url == "" {
			url = cfg.Browser.StartURL
		}
		if err := a.launch(ctx, url); err != nil {
			a.Close()
			return nil, err
		}
		tab = a.tab
	}

	a.Bus = messaging.NewBus(logger, cfg.Coordinator.MailboxSize)

	feedback := opts.Feedback
	switch {
	case feedback != nil:
	case a.tab != nil && cfg.Browser.Highlight > 0:
		feedback = browser.NewHighlighter(a.tab, cfg.Browser.Highlight, logger)
	default:
		feedback = engine.NoFeedback{}
	}
	a.Host = page.NewHost(a.Bus, tab, page.Deps{
		Decider:        decider,
		Sessions:       session.New(kv, decider, cfg.Session, logger.Named("page")),
		Feedback:       feedback,
		NewSnapshotter: opts.NewSnapshotter,
	}, cfg.Engine, logger)

	a.Coordinator = coordinator.New(a.Bus, session.New(kv, decider, cfg.Session, logger.Named("coordinator")), a.Host, cfg.Coordinator, logger)
	return a, nil
}

func (a *App) launch(ctx context.Context, url string) error {
	b, err := browser.Launch(ctx, a.Config.Browser, a.logger)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	a.browser = b
	tab, err := b.NewTab(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to open tab: %w", err)
	}
	a.tab = tab
	return nil
}

// Run starts the coordinator and the page host, then runs surface in the
// foreground. When surface returns everything else is shut down. Extra
// functions run alongside until the surface or one of them ends.
func (a *App) Run(ctx context.Context, surface func(context.Context) error, extra ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return quiet(a.Coordinator.Run(gctx)) })
	g.Go(func() error { return quiet(a.Host.Run(gctx)) })
	for _, fn := range extra {
		g.Go(func() error { return quiet(fn(gctx)) })
	}

	err := poll.Until(gctx, 10*time.Millisecond, 5*time.Second, func(context.Context) (bool, error) {
		return a.Bus.Has(protocol.AddrCoordinator), nil
	})
	if err == nil {
		err = surface(gctx)
	}
	cancel()
	if gerr := g.Wait(); err == nil || errors.Is(err, context.Canceled) {
		if gerr != nil {
			err = gerr
		}
	}
	return quiet(err)
}

func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the bus, the browser and the store.
func (a *App) Close() {
	if a.Bus != nil {
		a.Bus.Shutdown()
	}
	if a.tab != nil {
		a.tab.Close()
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.Warn("Failed to close store.", zap.Error(err))
		}
	}
}
