// Package executor replays recorded steps against a live browser
// session. Each step moves through a fixed sequence: capture state
// before, execute the action, wait for the page to settle, capture
// state after. A failing step triggers best-effort error evidence and
// an AI diagnosis, then halts the run.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/odvcencio/checkride/pkg/browser"
	"github.com/odvcencio/checkride/pkg/diagnose"
	"github.com/odvcencio/checkride/pkg/errors"
	"github.com/odvcencio/checkride/pkg/evidence"
	"github.com/odvcencio/checkride/pkg/logging"
	"github.com/odvcencio/checkride/pkg/run"
	"github.com/odvcencio/checkride/pkg/telemetry"
	"github.com/odvcencio/checkride/pkg/testcase"
)

const defaultWaitForSelector = 10 * time.Second

// Executor drives single steps. It is stateless across steps; the
// coordinator owns run-level state.
type Executor struct {
	recorder         *evidence.Recorder
	analyzer         diagnose.Analyzer
	domContext       diagnose.ContextBuilder
	logger           *logging.Logger
	stabilizeTimeout time.Duration
}

// Config assembles an Executor.
type Config struct {
	Recorder         *evidence.Recorder
	Analyzer         diagnose.Analyzer
	DOMTokenBudget   int
	Logger           *logging.Logger
	StabilizeTimeout time.Duration
}

// New creates an Executor. A nil Analyzer degrades to the deterministic
// fallback analysis.
func New(cfg Config) *Executor {
	analyzer := cfg.Analyzer
	if analyzer == nil {
		analyzer = diagnose.Disabled{}
	}
	return &Executor{
		recorder:         cfg.Recorder,
		analyzer:         analyzer,
		domContext:       diagnose.ContextBuilder{TokenBudget: cfg.DOMTokenBudget},
		logger:           cfg.Logger,
		stabilizeTimeout: cfg.StabilizeTimeout,
	}
}

// ExecuteStep runs one step and reports its result plus whether the run
// must halt. Step failures are expressed in the result, never as a Go
// error; halt is true exactly when the result failed.
func (e *Executor) ExecuteStep(ctx context.Context, sess browser.Session, runID string, index int, step testcase.Step) (run.StepResult, bool) {
	ctx, span := telemetry.StartSpan(ctx, "step.execute")
	defer span.End()
	telemetry.SetAttributes(ctx,
		telemetry.AttrRunID.String(runID),
		telemetry.AttrStepIndex.Int(index),
		telemetry.AttrStepName.String(step.Name),
		telemetry.AttrAction.String(step.Action),
	)

	start := time.Now()
	result := run.StepResult{
		RunID:     runID,
		StepIndex: index,
		Name:      step.Name,
		Status:    run.StepPassed,
		CreatedAt: start.UTC(),
	}

	e.logger.Info(logging.CategoryStep, "step_started", step.Name, map[string]any{
		"step_index": index,
		"action":     step.Action,
		"selector":   step.Selector,
	})

	fail := func(err error) (run.StepResult, bool) {
		telemetry.RecordError(ctx, err)
		result.Status = run.StepFailed
		result.ErrorMessage = err.Error()
		e.captureFailure(ctx, sess, &result, step)
		result.DurationMS = time.Since(start).Milliseconds()
		telemetry.RecordStep(step.Action, string(run.StepFailed), time.Since(start))
		e.logger.Error(logging.CategoryStep, "step_failed", err.Error(), map[string]any{
			"step_index": index,
			"action":     step.Action,
		})
		return result, true
	}

	// Before capture. Evidence on the success path is load-bearing:
	// storage failure fails the step.
	if artifact, err := e.captureScreenshot(ctx, sess, runID, index, evidence.KindScreenshotBefore); err != nil {
		return fail(err)
	} else if artifact != nil {
		result.Evidence = append(result.Evidence, *artifact)
	}

	if err := e.dispatch(ctx, sess, step); err != nil {
		return fail(err)
	}

	// Give the page a bounded chance to settle. Not settling in time is
	// logged, never failed: slow pages are a fact of life.
	if e.stabilizeTimeout > 0 {
		if quiescent := sess.WaitQuiescent(ctx, e.stabilizeTimeout); !quiescent {
			e.logger.Warn(logging.CategoryStep, "stabilize_timeout", "network did not settle", map[string]any{
				"step_index": index,
				"timeout":    e.stabilizeTimeout.String(),
			})
		}
	}

	if artifact, err := e.captureScreenshot(ctx, sess, runID, index, evidence.KindScreenshotAfter); err != nil {
		return fail(err)
	} else if artifact != nil {
		result.Evidence = append(result.Evidence, *artifact)
	}

	if artifact, err := e.captureDOM(ctx, sess, runID, index); err != nil {
		return fail(err)
	} else if artifact != nil {
		result.Evidence = append(result.Evidence, *artifact)
	}

	result.DurationMS = time.Since(start).Milliseconds()
	telemetry.RecordStep(step.Action, string(run.StepPassed), time.Since(start))
	e.logger.Info(logging.CategoryStep, "step_passed", step.Name, map[string]any{
		"step_index":  index,
		"duration_ms": result.DurationMS,
	})
	return result, false
}

// dispatch executes the step's action against the session.
func (e *Executor) dispatch(ctx context.Context, sess browser.Session, step testcase.Step) error {
	switch testcase.Action(step.Action) {
	case testcase.ActionNavigate:
		if err := sess.Navigate(ctx, step.Value); err != nil {
			return errors.Wrap(err, errors.ErrCodeActionExecution, "navigate").
				WithContext("url", step.Value)
		}
	case testcase.ActionClick:
		if err := sess.Click(ctx, step.Selector); err != nil {
			return errors.Wrap(err, errors.ErrCodeActionExecution, "click").
				WithContext("selector", step.Selector)
		}
	case testcase.ActionType:
		if err := sess.Type(ctx, step.Selector, step.Value); err != nil {
			return errors.Wrap(err, errors.ErrCodeActionExecution, "type").
				WithContext("selector", step.Selector)
		}
	case testcase.ActionSelect:
		if err := sess.SelectOption(ctx, step.Selector, step.Value); err != nil {
			return errors.Wrap(err, errors.ErrCodeActionExecution, "select option").
				WithContext("selector", step.Selector).
				WithContext("value", step.Value)
		}
	case testcase.ActionCheck:
		if err := sess.SetChecked(ctx, step.Selector, true); err != nil {
			return errors.Wrap(err, errors.ErrCodeActionExecution, "check").
				WithContext("selector", step.Selector)
		}
	case testcase.ActionUncheck:
		if err := sess.SetChecked(ctx, step.Selector, false); err != nil {
			return errors.Wrap(err, errors.ErrCodeActionExecution, "uncheck").
				WithContext("selector", step.Selector)
		}
	case testcase.ActionWait:
		d, err := parseWait(step.Value, time.Second)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeActionExecution, "parse wait duration").
				WithContext("value", step.Value)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrCodeActionExecution, "wait interrupted")
		}
	case testcase.ActionWaitForSelector:
		timeout, err := parseWait(step.Value, defaultWaitForSelector)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeActionExecution, "parse wait timeout").
				WithContext("value", step.Value)
		}
		if err := sess.WaitForSelector(ctx, step.Selector, timeout); err != nil {
			return errors.Wrap(err, errors.ErrCodeActionExecution, "wait for selector").
				WithContext("selector", step.Selector)
		}
	default:
		return errors.New(errors.ErrCodeUnsupportedAction, fmt.Sprintf("unsupported action %q", step.Action)).
			WithUserMessage("This test case uses an action this engine build does not support.").
			WithRemediation("re-record the case, or upgrade the engine")
	}
	return nil
}

// captureFailure gathers best-effort error evidence and a diagnosis.
// Nothing here can mask the step error; capture failures are logged and
// swallowed inside the recorder.
func (e *Executor) captureFailure(ctx context.Context, sess browser.Session, result *run.StepResult, step testcase.Step) {
	var domHTML string

	if data, err := sess.Screenshot(ctx); err == nil {
		outcome := e.recorder.CaptureBestEffort(ctx, result.RunID, result.StepIndex, evidence.KindScreenshotError, data)
		if outcome.Artifact != nil {
			result.Evidence = append(result.Evidence, *outcome.Artifact)
			telemetry.RecordEvidence(string(outcome.Artifact.Kind), outcome.Artifact.SizeBytes)
		}
	} else {
		e.logger.Warn(logging.CategoryEvidence, "error_screenshot_failed", err.Error(), map[string]any{
			"step_index": result.StepIndex,
		})
	}

	if html, err := sess.DOMSnapshot(ctx); err == nil {
		domHTML = html
		outcome := e.recorder.CaptureBestEffort(ctx, result.RunID, result.StepIndex, evidence.KindDOMSnapshot, []byte(html))
		if outcome.Artifact != nil {
			result.Evidence = append(result.Evidence, *outcome.Artifact)
			telemetry.RecordEvidence(string(outcome.Artifact.Kind), outcome.Artifact.SizeBytes)
		}
	} else {
		e.logger.Warn(logging.CategoryEvidence, "dom_snapshot_failed", err.Error(), map[string]any{
			"step_index": result.StepIndex,
		})
	}

	req := diagnose.Request{
		StepName:     step.Name,
		Selector:     step.Selector,
		ErrorMessage: result.ErrorMessage,
		ConsoleLogs:  sess.ConsoleLogs(),
	}
	if domHTML != "" {
		req.DOMContext = e.domContext.Build(domHTML, step.Selector)
	}

	analysis := e.analyzer.Analyze(ctx, req)
	result.Analysis = &analysis

	outcome := "analyzed"
	if fb := diagnose.Fallback(result.ErrorMessage); analysis.RootCause == fb.RootCause && analysis.Confidence == fb.Confidence {
		outcome = "fallback"
	}
	telemetry.RecordDiagnostics(outcome)

	e.logger.Info(logging.CategoryDiagnostics, "analysis_recorded", analysis.RootCause, map[string]any{
		"step_index": result.StepIndex,
		"confidence": analysis.Confidence,
	})
}

func (e *Executor) captureScreenshot(ctx context.Context, sess browser.Session, runID string, index int, kind evidence.Kind) (*evidence.Artifact, error) {
	data, err := sess.Screenshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInfrastructure, "take screenshot").
			WithContext("kind", string(kind)).
			WithUserMessage("The browser could not capture evidence for this step.").
			WithRemediation("check browser process health", "retry the run")
	}
	artifact, err := e.recorder.Capture(ctx, runID, index, kind, data)
	if err != nil {
		return nil, err
	}
	telemetry.RecordEvidence(string(kind), artifact.SizeBytes)
	return artifact, nil
}

// captureDOM records the settled page HTML on the success path. Like the
// screenshots it propagates: losing evidence fails the step.
func (e *Executor) captureDOM(ctx context.Context, sess browser.Session, runID string, index int) (*evidence.Artifact, error) {
	html, err := sess.DOMSnapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInfrastructure, "capture dom snapshot").
			WithUserMessage("The browser could not capture evidence for this step.").
			WithRemediation("check browser process health", "retry the run")
	}
	artifact, err := e.recorder.Capture(ctx, runID, index, evidence.KindDOMSnapshot, []byte(html))
	if err != nil {
		return nil, err
	}
	telemetry.RecordEvidence(string(evidence.KindDOMSnapshot), artifact.SizeBytes)
	return artifact, nil
}

// parseWait accepts a Go duration string or a bare integer of
// milliseconds. Empty selects the default.
func parseWait(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative duration %q", value)
		}
		return d, nil
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
