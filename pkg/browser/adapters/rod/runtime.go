package rod

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/odvcencio/checkride/pkg/browser"
)

// Runtime drives one chromium process. Each NewSession call creates an
// incognito browser context so run state never leaks between sessions.
type Runtime struct {
	cfg      Config
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// Launch boots chromium and connects over the DevTools protocol.
func Launch(ctx context.Context, cfg Config) (*Runtime, error) {
	l := launcher.New().Headless(cfg.Headless)
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}

	return &Runtime{cfg: cfg, launcher: l, browser: b}, nil
}

// NewSession opens an isolated incognito context with the configured
// viewport and wires the console and network sinks to its page.
func (r *Runtime) NewSession(ctx context.Context, cfg browser.SessionConfig) (browser.Session, error) {
	if r == nil || r.browser == nil {
		return nil, browser.ErrUnavailable
	}

	incognito, err := r.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	viewport := cfg.Viewport
	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = browser.DefaultSessionConfig().Viewport
	}
	scale := viewport.DeviceScaleFactor
	if scale == 0 {
		scale = 1.0
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             viewport.Width,
		Height:            viewport.Height,
		DeviceScaleFactor: scale,
		Mobile:            false,
	}).Call(page); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	sess := newSession(cfg, incognito, page)
	sess.startSinks()
	return sess, nil
}

// Close tears down the chromium process. The launcher is killed after
// the CDP connection closes so no orphan process survives shutdown.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.launcher != nil {
		r.launcher.Kill()
		r.launcher = nil
	}
	return err
}
