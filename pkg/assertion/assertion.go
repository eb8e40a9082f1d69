// Package assertion evaluates post-run predicates against the final
// page state. Unlike steps, assertions run to completion: every
// assertion is checked even after one fails, so a single run reports
// all broken expectations at once.
package assertion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/checkride/pkg/browser"
	"github.com/odvcencio/checkride/pkg/logging"
	"github.com/odvcencio/checkride/pkg/run"
	"github.com/odvcencio/checkride/pkg/testcase"
)

// Assertion type vocabulary.
const (
	TypeURLContains    = "urlContains"
	TypeTextVisible    = "textVisible"
	TypeElementExists  = "elementExists"
	TypeElementVisible = "elementVisible"
)

// Evaluator checks assertions against a live session.
type Evaluator struct {
	logger *logging.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(logger *logging.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate checks every assertion and returns one synthetic step result
// per failure, indexed consecutively from startIndex. Synthetic results
// carry no evidence and no diagnosis; the final page state they judged
// is already documented by the last real step's capture.
func (e *Evaluator) Evaluate(ctx context.Context, sess browser.Session, runID string, startIndex int, assertions []testcase.Assertion) []run.StepResult {
	var results []run.StepResult
	nextIndex := startIndex

	for _, a := range assertions {
		start := time.Now()
		ok, err := e.check(ctx, sess, a)
		if ok && err == nil {
			e.logger.Info(logging.CategoryAssertion, "assertion_passed", describe(a), map[string]any{
				"type":  a.Type,
				"value": a.Value,
			})
			continue
		}

		message := failureMessage(a, err)
		results = append(results, run.StepResult{
			RunID:        runID,
			StepIndex:    nextIndex,
			Name:         describe(a),
			Status:       run.StepFailed,
			ErrorMessage: message,
			DurationMS:   time.Since(start).Milliseconds(),
			CreatedAt:    start.UTC(),
		})
		nextIndex++

		e.logger.Error(logging.CategoryAssertion, "assertion_failed", message, map[string]any{
			"type":  a.Type,
			"value": a.Value,
		})
	}

	return results
}

// check evaluates one assertion. A session error counts as a failure of
// that assertion, not of the whole evaluation pass.
func (e *Evaluator) check(ctx context.Context, sess browser.Session, a testcase.Assertion) (bool, error) {
	switch a.Type {
	case TypeURLContains:
		url, err := sess.PageURL(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(url, a.Value), nil
	case TypeTextVisible:
		return sess.TextVisible(ctx, a.Value)
	case TypeElementExists:
		return sess.ElementExists(ctx, a.Value)
	case TypeElementVisible:
		return sess.ElementVisible(ctx, a.Value)
	default:
		return false, fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func describe(a testcase.Assertion) string {
	if a.Description != "" {
		return a.Description
	}
	return fmt.Sprintf("assert %s %q", a.Type, a.Value)
}

func failureMessage(a testcase.Assertion, err error) string {
	if err != nil {
		return fmt.Sprintf("assertion %s %q: %v", a.Type, a.Value, err)
	}
	switch a.Type {
	case TypeURLContains:
		return fmt.Sprintf("page URL does not contain %q", a.Value)
	case TypeTextVisible:
		return fmt.Sprintf("text %q not visible", a.Value)
	case TypeElementExists:
		return fmt.Sprintf("element %q not found", a.Value)
	case TypeElementVisible:
		return fmt.Sprintf("element %q not visible", a.Value)
	default:
		return fmt.Sprintf("assertion %s %q failed", a.Type, a.Value)
	}
}
