package browser

import "time"

// Viewport defines the browsing context viewport size.
type Viewport struct {
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor,omitempty"`
}

// SessionConfig configures one isolated browsing context. RunID doubles
// as the session id so evidence and logs correlate without bookkeeping.
type SessionConfig struct {
	RunID             string        `json:"run_id"`
	Viewport          Viewport      `json:"viewport"`
	NavigationTimeout time.Duration `json:"navigation_timeout,omitempty"`
	ActionTimeout     time.Duration `json:"action_timeout,omitempty"`
	StabilizeIdleGap  time.Duration `json:"stabilize_idle_gap,omitempty"`
}

// DefaultSessionConfig returns the recommended session defaults. Runs
// share a fixed viewport so captured evidence is comparable across runs.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Viewport: Viewport{
			Width:             1280,
			Height:            720,
			DeviceScaleFactor: 1.0,
		},
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     10 * time.Second,
		StabilizeIdleGap:  300 * time.Millisecond,
	}
}
