// Package run defines the run aggregate shared by the executor, the
// assertion evaluator, persistence, and the HTTP surface.
package run

import (
	"time"

	"github.com/odvcencio/checkride/pkg/diagnose"
	"github.com/odvcencio/checkride/pkg/evidence"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed
}

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepPassed StepStatus = "passed"
	StepFailed StepStatus = "failed"
)

// Run is one execution attempt of a test case. It is created when a run
// is requested, mutated only by the coordinator, and terminal once every
// step and assertion has been attempted or a step has failed.
type Run struct {
	ID         string       `json:"run_id"`
	CaseID     string       `json:"case_id"`
	SuiteID    string       `json:"suite_id,omitempty"`
	Status     Status       `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    *time.Time   `json:"ended_at,omitempty"`
	DurationMS int64        `json:"duration_ms"`
	Steps      []StepResult `json:"step_results"`
	CreatedAt  time.Time    `json:"created_at"`
}

// StepResult records the outcome of one step. Results append strictly in
// ascending index order and are never mutated after creation. Assertion
// failures append as synthetic results after the last real step index.
type StepResult struct {
	RunID        string              `json:"run_id"`
	StepIndex    int                 `json:"step_index"`
	Name         string              `json:"name"`
	Status       StepStatus          `json:"status"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Analysis     *diagnose.Analysis  `json:"analysis,omitempty"`
	Evidence     []evidence.Artifact `json:"evidence,omitempty"`
	DurationMS   int64               `json:"duration_ms"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Result is the synchronous answer returned by the coordinator's Run.
type Result struct {
	RunID       string       `json:"run_id"`
	CaseID      string       `json:"case_id"`
	Status      Status       `json:"status"`
	DurationMS  int64        `json:"duration_ms"`
	StepResults []StepResult `json:"step_results"`
}

// CaseResult is one entry of a suite run. Error is set when the case
// failed to even start (e.g. the case id was not found).
type CaseResult struct {
	CaseID string `json:"case_id"`
	RunID  string `json:"run_id,omitempty"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SuiteResult aggregates one CaseResult per case id of a suite.
type SuiteResult struct {
	SuiteID string       `json:"suite_id"`
	Total   int          `json:"total"`
	Results []CaseResult `json:"results"`
}

// Duration sums the recorded step durations, synthetic results included.
func Duration(steps []StepResult) int64 {
	var total int64
	for _, s := range steps {
		total += s.DurationMS
	}
	return total
}

// StatusFor derives the terminal status from recorded step results.
// A run fails iff some step or assertion failed.
func StatusFor(steps []StepResult) Status {
	for _, s := range steps {
		if s.Status == StepFailed {
			return StatusFailed
		}
	}
	return StatusPassed
}
