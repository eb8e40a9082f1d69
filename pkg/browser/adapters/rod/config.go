// Package rod adapts the browser session port to a chromium instance
// driven over CDP via go-rod.
package rod

import "time"

// Config controls how the chromium process is launched.
type Config struct {
	// Headless runs chromium without a display. Default true.
	Headless bool
	// Bin overrides the chromium binary path; empty lets the launcher
	// resolve a system install.
	Bin string
}

// DefaultConfig returns the recommended launch settings.
func DefaultConfig() Config {
	return Config{Headless: true}
}

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultActionTimeout     = 10 * time.Second
	defaultIdleGap           = 300 * time.Millisecond
	consoleRingCap           = 200
)
