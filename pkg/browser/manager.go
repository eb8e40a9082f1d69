package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/odvcencio/checkride/pkg/errors"
)

// LaunchFunc boots a browser runtime. It is called at most once per
// successful launch; a failed launch leaves the manager unset so a later
// acquisition may attempt a fresh one.
type LaunchFunc func(ctx context.Context) (Runtime, error)

// Manager owns the single long-lived browser process shared by all runs
// and issues one isolated browsing context per run. The process is
// launched lazily on first acquisition and survives until Shutdown;
// contexts are tracked by run id and released on every run exit path.
type Manager struct {
	launch LaunchFunc

	mu       sync.Mutex
	runtime  Runtime
	sessions map[string]Session
}

// NewManager creates a Manager that launches its runtime on demand.
func NewManager(launch LaunchFunc) *Manager {
	return &Manager{
		launch:   launch,
		sessions: make(map[string]Session),
	}
}

// Acquire returns a fresh isolated browsing context for the run.
// Launch failures surface as INFRASTRUCTURE errors; the failing run is
// not retried but the launch itself may be reattempted by a later run.
func (m *Manager) Acquire(ctx context.Context, cfg SessionConfig) (Session, error) {
	if m == nil || m.launch == nil {
		return nil, errors.Wrap(ErrUnavailable, errors.ErrCodeInfrastructure, "browser manager not configured")
	}
	if cfg.RunID == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "run id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[cfg.RunID]; exists {
		return nil, errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("session already exists: %s", cfg.RunID))
	}

	if m.runtime == nil {
		runtime, err := m.launch(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInfrastructure, "browser launch failed").
				WithUserMessage("The browser process could not be started.").
				WithRemediation("Verify a chromium binary is installed and the browser.bin setting points at it.")
		}
		m.runtime = runtime
	}

	sess, err := m.runtime.NewSession(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInfrastructure, "browser context creation failed").
			WithContext("run_id", cfg.RunID)
	}

	m.sessions[cfg.RunID] = sess
	return sess, nil
}

// Release closes the run's browsing context. Safe to call on every exit
// path; releasing an unknown run id is a no-op.
func (m *Manager) Release(runID string) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sess, ok := m.sessions[runID]
	if ok {
		delete(m.sessions, runID)
	}
	m.mu.Unlock()
	if !ok || sess == nil {
		return nil
	}
	return sess.Close()
}

// ActiveSessions returns the number of open browsing contexts.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes any leaked contexts and then the browser process.
// Called only at process shutdown; the process never dies per-run.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]Session)
	runtime := m.runtime
	m.runtime = nil
	m.mu.Unlock()

	var lastErr error
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		if err := sess.Close(); err != nil {
			lastErr = err
		}
	}
	if runtime != nil {
		if err := runtime.Close(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
