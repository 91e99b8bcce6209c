// internal/browser/browser.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/config"
)

// ErrClosed is returned by a Browser after Close.
var ErrClosed = errors.New("browser is closed")

// Browser owns one Chrome process and the tabs opened in it.
type Browser struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	tabs   map[string]*Tab
	closed bool
}

// Launch starts Chrome. The process lives until Close or until ctx ends.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	log := logger.Named("browser")

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOptions(cfg)...)
	ctxOpts := []chromedp.ContextOption{chromedp.WithErrorf(log.Sugar().Errorf)}
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(log.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	// The first Run starts the process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	log.Info("Browser started.", zap.Bool("headless", cfg.Headless))
	return &Browser{
		cfg:           cfg,
		logger:        log,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          make(map[string]*Tab),
	}, nil
}

// NewTab opens a target, starts watching its navigations and loads url.
func (b *Browser) NewTab(ctx context.Context, url string) (*Tab, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	if err := chromedp.Run(tabCtx, viewportActions(b.cfg)...); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	tab := newTab(tabCtx, cancel, b.cfg, b.logger)

	b.mu.Lock()
	b.tabs[tab.ID()] = tab
	b.mu.Unlock()

	if url == "" {
		url = "about:blank"
	}
	if err := tab.Navigate(ctx, url); err != nil {
		tab.Close()
		b.forget(tab.ID())
		return nil, err
	}
	return tab, nil
}

func (b *Browser) forget(id string) {
	b.mu.Lock()
	delete(b.tabs, id)
	b.mu.Unlock()
}

// Close closes every tab and stops the process.
func (b *Browser) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	tabs := make([]*Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		tabs = append(tabs, t)
	}
	b.tabs = nil
	b.mu.Unlock()

	for _, t := range tabs {
		t.Close()
	}
	b.browserCancel()
	b.allocCancel()
	b.logger.Info("Browser stopped.")
}

// launchFlags lists the command line switches for cfg.
func launchFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"no-sandbox":               true,
		"disable-gpu":              true,
		"enable-automation":        true,
		"no-first-run":             true,
		"no-default-browser-check": true,
		"disable-dev-shm-usage":    true,
	}
	if cfg.Headless {
		flags["headless"] = true
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			flags[key] = value
		} else {
			flags[key] = true
		}
	}
	return flags
}

func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for key, value := range launchFlags(cfg) {
		opts = append(opts, chromedp.Flag(key, value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func viewportActions(cfg config.BrowserConfig) []chromedp.Action {
	w, h := cfg.Viewport["width"], cfg.Viewport["height"]
	if w <= 0 || h <= 0 {
		return nil
	}
	return []chromedp.Action{chromedp.EmulateViewport(int64(w), int64(h))}
}
