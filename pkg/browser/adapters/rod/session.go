package rod

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/odvcencio/checkride/pkg/browser"
)

// session is one incognito browsing context plus its page-scoped sinks.
// The console buffer and network tracker live and die with the session.
type session struct {
	id        string
	incognito *rod.Browser
	page      *rod.Page
	cfg       browser.SessionConfig

	sinkCtx    context.Context
	sinkCancel context.CancelFunc

	// in-flight request tracking for network quiescence
	inflight     atomic.Int64
	lastActivity atomic.Int64 // unix nanos of the last network event

	consoleMu sync.Mutex
	console   []string

	closed atomic.Bool
}

func newSession(cfg browser.SessionConfig, incognito *rod.Browser, page *rod.Page) *session {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.StabilizeIdleGap <= 0 {
		cfg.StabilizeIdleGap = defaultIdleGap
	}
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	s := &session{
		id:         cfg.RunID,
		incognito:  incognito,
		page:       page,
		cfg:        cfg,
		sinkCtx:    sinkCtx,
		sinkCancel: sinkCancel,
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// startSinks subscribes to CDP console and network lifecycle events.
// The subscription is bound to the session's own context so it is
// released exactly when the session closes.
func (s *session) startSinks() {
	wait := s.page.Context(s.sinkCtx).EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			entry := fmt.Sprintf("[%s] %s", ev.Type, stringifyConsoleArgs(ev.Args))
			s.consoleMu.Lock()
			s.console = append(s.console, entry)
			if len(s.console) > consoleRingCap {
				s.console = s.console[len(s.console)-consoleRingCap:]
			}
			s.consoleMu.Unlock()
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			s.inflight.Add(1)
			s.lastActivity.Store(time.Now().UnixNano())
		},
		func(ev *proto.NetworkLoadingFinished) {
			s.decInflight()
		},
		func(ev *proto.NetworkLoadingFailed) {
			s.decInflight()
		},
	)
	go wait()
}

func (s *session) decInflight() {
	if s.inflight.Add(-1) < 0 {
		// Events for requests started before the sink attached.
		s.inflight.Store(0)
	}
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) ID() string { return s.id }

func (s *session) Navigate(ctx context.Context, url string) error {
	if s.closed.Load() {
		return browser.ErrSessionClosed
	}
	page := s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	// Load completion is advisory; the post-action stabilize wait covers
	// late subresources.
	_ = page.WaitLoad()
	return nil
}

// element resolves a selector bounded by the action timeout.
func (s *session) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := s.page.Context(ctx).Timeout(s.cfg.ActionTimeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element not found: %s: %w", selector, err)
	}
	return el, nil
}

func (s *session) Click(ctx context.Context, selector string) error {
	if s.closed.Load() {
		return browser.ErrSessionClosed
	}
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (s *session) Type(ctx context.Context, selector, text string) error {
	if s.closed.Load() {
		return browser.ErrSessionClosed
	}
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (s *session) SelectOption(ctx context.Context, selector, value string) error {
	if s.closed.Load() {
		return browser.ErrSessionClosed
	}
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	// Assign by option value and fire the synthetic events frameworks
	// listen for; rod's text matching misses value-attribute selection.
	_, err = el.Eval(`(value) => {
		this.value = value;
		this.dispatchEvent(new Event('input', {bubbles: true}));
		this.dispatchEvent(new Event('change', {bubbles: true}));
	}`, value)
	if err != nil {
		return fmt.Errorf("select option %q on %s: %w", value, selector, err)
	}
	return nil
}

func (s *session) SetChecked(ctx context.Context, selector string, checked bool) error {
	if s.closed.Load() {
		return browser.ErrSessionClosed
	}
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	_, err = el.Eval(`(checked) => {
		this.checked = checked;
		this.dispatchEvent(new Event('change', {bubbles: true}));
	}`, checked)
	if err != nil {
		return fmt.Errorf("set checked on %s: %w", selector, err)
	}
	return nil
}

func (s *session) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if s.closed.Load() {
		return browser.ErrSessionClosed
	}
	if timeout <= 0 {
		timeout = s.cfg.ActionTimeout
	}
	if _, err := s.page.Context(ctx).Timeout(timeout).Element(selector); err != nil {
		return fmt.Errorf("element not found: %s: %w", selector, err)
	}
	return nil
}

func (s *session) WaitQuiescent(ctx context.Context, timeout time.Duration) bool {
	if s.closed.Load() {
		return false
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.inflight.Load() == 0 {
			idleSince := time.Unix(0, s.lastActivity.Load())
			if time.Since(idleSince) >= s.cfg.StabilizeIdleGap {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *session) Screenshot(ctx context.Context) ([]byte, error) {
	if s.closed.Load() {
		return nil, browser.ErrSessionClosed
	}
	return s.page.Context(ctx).Screenshot(false, nil)
}

func (s *session) DOMSnapshot(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", browser.ErrSessionClosed
	}
	return s.page.Context(ctx).HTML()
}

func (s *session) PageURL(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", browser.ErrSessionClosed
	}
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (s *session) TextVisible(ctx context.Context, text string) (bool, error) {
	if s.closed.Load() {
		return false, browser.ErrSessionClosed
	}
	// innerText reflects rendered text, so hidden nodes are excluded.
	res, err := s.page.Context(ctx).Eval(`(text) => {
		return document.body ? document.body.innerText.includes(text) : false;
	}`, text)
	if err != nil {
		return false, fmt.Errorf("text lookup: %w", err)
	}
	return res.Value.Bool(), nil
}

func (s *session) ElementExists(ctx context.Context, selector string) (bool, error) {
	if s.closed.Load() {
		return false, browser.ErrSessionClosed
	}
	res, err := s.page.Context(ctx).Eval(`(sel) => document.querySelector(sel) !== null`, selector)
	if err != nil {
		return false, fmt.Errorf("element lookup: %w", err)
	}
	return res.Value.Bool(), nil
}

func (s *session) ElementVisible(ctx context.Context, selector string) (bool, error) {
	if s.closed.Load() {
		return false, browser.ErrSessionClosed
	}
	res, err := s.page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		const style = window.getComputedStyle(el);
		if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return false;
		const rect = el.getBoundingClientRect();
		return rect.width > 0 && rect.height > 0;
	}`, selector)
	if err != nil {
		return false, fmt.Errorf("element lookup: %w", err)
	}
	return res.Value.Bool(), nil
}

func (s *session) ConsoleLogs() []string {
	s.consoleMu.Lock()
	defer s.consoleMu.Unlock()
	out := make([]string, len(s.console))
	copy(out, s.console)
	return out
}

// Close releases the sinks, the page, and the incognito context.
func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.sinkCancel()
	err := s.page.Close()
	if s.incognito != nil && s.incognito.BrowserContextID != "" {
		disposeErr := proto.TargetDisposeBrowserContext{
			BrowserContextID: s.incognito.BrowserContextID,
		}.Call(s.incognito)
		if err == nil {
			err = disposeErr
		}
	}
	return err
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
