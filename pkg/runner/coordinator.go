// Package runner coordinates the full lifecycle of a run: case
// resolution, concurrency slots, browser context acquisition, step
// execution, assertion evaluation, persistence, and lifecycle events.
package runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/odvcencio/checkride/pkg/assertion"
	"github.com/odvcencio/checkride/pkg/browser"
	"github.com/odvcencio/checkride/pkg/bus"
	"github.com/odvcencio/checkride/pkg/diagnose"
	"github.com/odvcencio/checkride/pkg/errors"
	"github.com/odvcencio/checkride/pkg/evidence"
	"github.com/odvcencio/checkride/pkg/executor"
	"github.com/odvcencio/checkride/pkg/interpolate"
	"github.com/odvcencio/checkride/pkg/logging"
	"github.com/odvcencio/checkride/pkg/run"
	"github.com/odvcencio/checkride/pkg/storage"
	"github.com/odvcencio/checkride/pkg/telemetry"
	"github.com/odvcencio/checkride/pkg/testcase"
)

// Config assembles a Coordinator.
type Config struct {
	Source   testcase.Source
	Store    *storage.Store
	Browser  *browser.Manager
	Recorder *evidence.Recorder
	Analyzer diagnose.Analyzer
	Bus      bus.MessageBus

	// Session is the template applied to every run's browsing context;
	// the run id is filled in per run.
	Session browser.SessionConfig

	StabilizeTimeout time.Duration
	DOMTokenBudget   int
	LogDir           string
	MaxConcurrent    int64
}

// RunOptions carries per-invocation settings.
type RunOptions struct {
	SuiteID string
}

// Coordinator owns run execution. Runs may execute concurrently up to
// the configured bound; steps within a run are strictly sequential.
type Coordinator struct {
	cfg     Config
	asserts *assertion.Evaluator
	sem     *semaphore.Weighted
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Coordinator{
		cfg: cfg,
		sem: semaphore.NewWeighted(maxConcurrent),
	}
}

// Run executes one case synchronously. Step and assertion failures are
// data on the result; only operation-level failures (case not found,
// browser launch, persistence) return a Go error, always alongside
// whatever partial result exists.
func (c *Coordinator) Run(ctx context.Context, caseID string, vars map[string]string, opts RunOptions) (*run.Result, error) {
	tc, err := c.cfg.Source.Case(ctx, caseID)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	record := &run.Run{
		ID:        runID,
		CaseID:    caseID,
		SuiteID:   opts.SuiteID,
		Status:    run.StatusPending,
		CreatedAt: now,
	}
	if err := c.cfg.Store.CreateRun(record); err != nil {
		return nil, err
	}

	logger := c.runLogger(runID, caseID)
	defer logger.Close()

	logger.Info(logging.CategoryRun, "run_created", tc.Name, map[string]any{
		"case_id":  caseID,
		"suite_id": opts.SuiteID,
		"steps":    len(tc.Steps),
	})
	c.publish(ctx, logger, bus.SubjectRunStarted, bus.RunStarted{
		RunID:     runID,
		CaseID:    caseID,
		SuiteID:   opts.SuiteID,
		StartedAt: now,
	})

	merged := interpolate.Merge(tc.Variables, vars)
	steps := interpolateSteps(tc.Steps, merged)
	assertions := interpolateAssertions(tc.Assertions, merged)

	result := &run.Result{RunID: runID, CaseID: caseID, Status: run.StatusFailed}

	ctx, span := telemetry.StartSpan(ctx, "run.execute")
	defer span.End()
	telemetry.SetAttributes(ctx,
		telemetry.AttrRunID.String(runID),
		telemetry.AttrCaseID.String(caseID),
	)
	if opts.SuiteID != "" {
		telemetry.SetAttributes(ctx, telemetry.AttrSuiteID.String(opts.SuiteID))
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		infraErr := errors.Wrap(err, errors.ErrCodeInfrastructure, "acquire run slot")
		c.finish(ctx, logger, record, result)
		return result, infraErr
	}
	defer c.sem.Release(1)
	telemetry.IncActiveRuns()
	defer telemetry.DecActiveRuns()

	sessCfg := c.cfg.Session
	sessCfg.RunID = runID
	sess, err := c.cfg.Browser.Acquire(ctx, sessCfg)
	if err != nil {
		logger.Error(logging.CategoryBrowser, "context_acquire_failed", err.Error(), nil)
		c.finish(ctx, logger, record, result)
		return result, err
	}
	defer c.cfg.Browser.Release(runID)

	record.Status = run.StatusRunning
	record.StartedAt = time.Now().UTC()
	if err := c.cfg.Store.UpdateRun(record); err != nil {
		c.finish(ctx, logger, record, result)
		return result, err
	}

	exec := executor.New(executor.Config{
		Recorder:         c.cfg.Recorder,
		Analyzer:         c.cfg.Analyzer,
		DOMTokenBudget:   c.cfg.DOMTokenBudget,
		Logger:           logger,
		StabilizeTimeout: c.cfg.StabilizeTimeout,
	})

	halted := false
	for i, step := range steps {
		stepResult, halt := exec.ExecuteStep(ctx, sess, runID, i, step)
		if err := c.persistStep(ctx, logger, caseID, &stepResult); err != nil {
			result.StepResults = append(result.StepResults, stepResult)
			c.finish(ctx, logger, record, result)
			return result, err
		}
		result.StepResults = append(result.StepResults, stepResult)
		if halt {
			halted = true
			break
		}
	}

	if !halted {
		evaluator := assertion.NewEvaluator(logger)
		for _, synthetic := range evaluator.Evaluate(ctx, sess, runID, len(result.StepResults), assertions) {
			if err := c.persistStep(ctx, logger, caseID, &synthetic); err != nil {
				result.StepResults = append(result.StepResults, synthetic)
				c.finish(ctx, logger, record, result)
				return result, err
			}
			result.StepResults = append(result.StepResults, synthetic)
		}
	}

	result.Status = run.StatusFor(result.StepResults)
	c.finish(ctx, logger, record, result)
	return result, nil
}

// RunSuite executes every case of a suite sequentially. A case that
// fails to even start marks its entry failed; the suite continues.
func (c *Coordinator) RunSuite(ctx context.Context, suiteID string, vars map[string]string) (*run.SuiteResult, error) {
	suite, err := c.cfg.Source.Suite(ctx, suiteID)
	if err != nil {
		return nil, err
	}

	suiteResult := &run.SuiteResult{
		SuiteID: suiteID,
		Total:   len(suite.Cases),
	}

	for _, caseID := range suite.Cases {
		res, err := c.Run(ctx, caseID, vars, RunOptions{SuiteID: suiteID})
		entry := run.CaseResult{CaseID: caseID, Status: run.StatusFailed}
		if res != nil {
			entry.RunID = res.RunID
			entry.Status = res.Status
		}
		if err != nil {
			entry.Status = run.StatusFailed
			entry.Error = err.Error()
		}
		suiteResult.Results = append(suiteResult.Results, entry)
	}

	return suiteResult, nil
}

// GetRun returns the persisted record with steps and evidence attached.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return c.cfg.Store.GetRun(runID)
}

// finish persists the terminal transition and publishes run.finished.
// Duration is the sum of recorded step durations, synthetic included.
func (c *Coordinator) finish(ctx context.Context, logger *logging.Logger, record *run.Run, result *run.Result) {
	ended := time.Now().UTC()
	record.Status = result.Status
	record.EndedAt = &ended
	record.DurationMS = run.Duration(result.StepResults)
	result.DurationMS = record.DurationMS

	if err := c.cfg.Store.UpdateRun(record); err != nil {
		logger.Error(logging.CategoryStorage, "finish_persist_failed", err.Error(), nil)
	}

	wall := ended.Sub(record.StartedAt)
	if record.StartedAt.IsZero() {
		wall = 0
	}
	telemetry.RecordRun(string(record.Status), wall)

	logger.Info(logging.CategoryRun, "run_finished", string(record.Status), map[string]any{
		"duration_ms": record.DurationMS,
		"steps":       len(result.StepResults),
	})
	c.publish(ctx, logger, bus.SubjectRunFinished, bus.RunFinished{
		RunID:      record.ID,
		CaseID:     record.CaseID,
		SuiteID:    record.SuiteID,
		Status:     string(record.Status),
		DurationMS: record.DurationMS,
		EndedAt:    ended,
	})
}

// persistStep appends the result row and its evidence references, then
// publishes the run.step event.
func (c *Coordinator) persistStep(ctx context.Context, logger *logging.Logger, caseID string, sr *run.StepResult) error {
	if err := c.cfg.Store.AppendStepResult(sr); err != nil {
		logger.Error(logging.CategoryStorage, "step_persist_failed", err.Error(), map[string]any{
			"step_index": sr.StepIndex,
		})
		return err
	}
	for i := range sr.Evidence {
		if err := c.cfg.Store.AddEvidence(&sr.Evidence[i]); err != nil {
			logger.Error(logging.CategoryStorage, "evidence_persist_failed", err.Error(), map[string]any{
				"step_index":  sr.StepIndex,
				"evidence_id": sr.Evidence[i].ID,
			})
			return err
		}
	}

	c.publish(ctx, logger, bus.SubjectRunStep, bus.RunStep{
		RunID:     sr.RunID,
		CaseID:    caseID,
		StepIndex: sr.StepIndex,
		StepName:  sr.Name,
		Status:    string(sr.Status),
		Error:     sr.ErrorMessage,
	})
	return nil
}

// publish emits a bus event. Event delivery is never load-bearing for
// run execution; failures are logged and dropped.
func (c *Coordinator) publish(ctx context.Context, logger *logging.Logger, subject string, payload any) {
	if c.cfg.Bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, c.cfg.Bus, subject, payload); err != nil {
		logger.Warn(logging.CategoryEvents, "publish_failed", err.Error(), map[string]any{
			"subject": subject,
		})
	}
}

// runLogger opens the per-run JSONL logger. A nil logger is a valid
// degraded mode; every call site tolerates it.
func (c *Coordinator) runLogger(runID, caseID string) *logging.Logger {
	if c.cfg.LogDir == "" {
		return nil
	}
	logger, err := logging.NewLogger(c.cfg.LogDir, runID)
	if err != nil {
		return nil
	}
	logger.SetCaseID(caseID)
	return logger
}

// interpolateSteps resolves placeholders in step values only. Selectors
// and names are recorded verbatim: a CSS attribute pattern may legally
// contain a literal ${...}.
func interpolateSteps(steps []testcase.Step, vars map[string]string) []testcase.Step {
	values := make([]string, len(steps))
	for i := range steps {
		values[i] = steps[i].Value
	}
	resolved := interpolate.ApplyAll(values, vars)

	out := make([]testcase.Step, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].Value = resolved[i]
	}
	return out
}

func interpolateAssertions(assertions []testcase.Assertion, vars map[string]string) []testcase.Assertion {
	values := make([]string, len(assertions))
	for i := range assertions {
		values[i] = assertions[i].Value
	}
	resolved := interpolate.ApplyAll(values, vars)

	out := make([]testcase.Assertion, len(assertions))
	copy(out, assertions)
	for i := range out {
		out[i].Value = resolved[i]
	}
	return out
}
