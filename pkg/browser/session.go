package browser

import (
	"context"
	"time"
)

// Runtime owns one live browser process and issues isolated browsing
// contexts from it.
type Runtime interface {
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
	Close(ctx context.Context) error
}

// Session is one isolated browsing context, scoped to a single run.
// Implementations are adapters over a concrete engine.
type Session interface {
	ID() string

	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	SelectOption(ctx context.Context, selector, value string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error

	// WaitQuiescent blocks until the page reaches a quiescent network
	// state or the timeout elapses. It reports whether quiescence was
	// reached; timing out is not an error.
	WaitQuiescent(ctx context.Context, timeout time.Duration) bool

	Screenshot(ctx context.Context) ([]byte, error)
	DOMSnapshot(ctx context.Context) (string, error)

	PageURL(ctx context.Context) (string, error)
	TextVisible(ctx context.Context, text string) (bool, error)
	ElementExists(ctx context.Context, selector string) (bool, error)
	ElementVisible(ctx context.Context, selector string) (bool, error)

	// ConsoleLogs drains the console sink acquired with the context.
	ConsoleLogs() []string

	Close() error
}
