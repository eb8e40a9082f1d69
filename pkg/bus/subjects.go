package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Run lifecycle subjects.
const (
	SubjectRunStarted  = "run.started"
	SubjectRunStep     = "run.step"
	SubjectRunFinished = "run.finished"

	// SubjectRunAll matches every run lifecycle subject.
	SubjectRunAll = "run.>"
)

// RunStarted is published when a run transitions to running.
type RunStarted struct {
	RunID     string    `json:"run_id"`
	CaseID    string    `json:"case_id"`
	SuiteID   string    `json:"suite_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// RunStep is published after each step result is recorded, including
// synthetic results produced by assertion evaluation.
type RunStep struct {
	RunID     string `json:"run_id"`
	CaseID    string `json:"case_id"`
	StepIndex int    `json:"step_index"`
	StepName  string `json:"step_name"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// RunFinished is published when a run reaches a terminal status.
type RunFinished struct {
	RunID      string    `json:"run_id"`
	CaseID     string    `json:"case_id"`
	SuiteID    string    `json:"suite_id,omitempty"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	EndedAt    time.Time `json:"ended_at"`
}

// PublishJSON marshals payload and publishes it on subject. Marshal or
// publish failures are returned so callers can log them; event delivery
// is never load-bearing for run execution.
func PublishJSON(ctx context.Context, b MessageBus, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.Publish(ctx, subject, data)
}
