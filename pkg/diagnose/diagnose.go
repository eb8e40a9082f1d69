// Package diagnose bridges step failures to the external AI diagnostics
// collaborator. The bridge never raises: any transport or contract
// failure is downgraded to a deterministic fallback analysis.
package diagnose

import "context"

// Confidence grades how much weight an analysis carries.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Request carries the failure context sent to the collaborator.
type Request struct {
	StepName     string   `json:"step_name"`
	Selector     string   `json:"selector"`
	ErrorMessage string   `json:"error_message"`
	DOMContext   string   `json:"dom_context"`
	ConsoleLogs  []string `json:"console_logs,omitempty"`
}

// Analysis is the collaborator's explanation of a failure.
type Analysis struct {
	RootCause    string   `json:"root_cause"`
	Explanations []string `json:"explanations"`
	Suggestions  []string `json:"suggestions"`
	Confidence   string   `json:"confidence"`
}

// Analyzer produces an analysis for a failed step. Implementations must
// not return errors; unavailability is expressed through Fallback.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) Analysis
}

// Fallback is the deterministic analysis substituted whenever the
// collaborator cannot be reached or answers out of contract.
func Fallback(errorMessage string) Analysis {
	return Analysis{
		RootCause:    errorMessage,
		Explanations: []string{"AI analysis unavailable"},
		Suggestions:  []string{"inspect error and evidence"},
		Confidence:   ConfidenceLow,
	}
}

// Disabled is an Analyzer that always answers with the fallback. Used
// when diagnostics are turned off in config.
type Disabled struct{}

// Analyze implements Analyzer.
func (Disabled) Analyze(ctx context.Context, req Request) Analysis {
	return Fallback(req.ErrorMessage)
}
