package testcase

import "context"

// Source resolves cases and suites by id. Absence yields a NOT_FOUND
// engine error so callers can abort before any browser work begins.
type Source interface {
	Case(ctx context.Context, id string) (*Case, error)
	Suite(ctx context.Context, id string) (*Suite, error)
}
