// Package testcase defines the recorded test case model and the sources
// that resolve cases and suites by id.
package testcase

import (
	"fmt"
	"strings"
)

// Action is the closed vocabulary of recorded browser actions.
type Action string

const (
	ActionNavigate        Action = "navigate"
	ActionClick           Action = "click"
	ActionType            Action = "type"
	ActionSelect          Action = "select"
	ActionCheck           Action = "check"
	ActionUncheck         Action = "uncheck"
	ActionWait            Action = "wait"
	ActionWaitForSelector Action = "waitForSelector"
)

// KnownActions lists every action the executor dispatches on.
var KnownActions = []Action{
	ActionNavigate,
	ActionClick,
	ActionType,
	ActionSelect,
	ActionCheck,
	ActionUncheck,
	ActionWait,
	ActionWaitForSelector,
}

// ParseAction validates a raw action string against the closed vocabulary.
func ParseAction(raw string) (Action, error) {
	for _, a := range KnownActions {
		if string(a) == raw {
			return a, nil
		}
	}
	return "", fmt.Errorf("unsupported action: %q", raw)
}

// Step is one discrete recorded browser action.
type Step struct {
	Name     string `json:"name" yaml:"name"`
	Action   string `json:"action" yaml:"action"`
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Assertion is a post-execution predicate over final page state.
type Assertion struct {
	Type        string `json:"type" yaml:"type"`
	Value       string `json:"value" yaml:"value"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Case is a recorded test case: ordered steps plus post-run assertions.
// Variables are recorded defaults; invocation variables layer on top.
type Case struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step            `json:"steps" yaml:"steps"`
	Assertions  []Assertion       `json:"assertions,omitempty" yaml:"assertions,omitempty"`
	Variables   map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Suite is an ordered list of case ids executed sequentially.
type Suite struct {
	ID    string   `json:"id" yaml:"id"`
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Cases []string `json:"cases" yaml:"cases"`
}

// Validate checks the structural invariants of a case. Unknown actions
// are deliberately not rejected here: recorded cases may predate the
// engine build that replays them, and the executor's dispatch handles
// the unsupported-action arm per step.
func (c *Case) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("case id is required")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("case %s has no steps", c.ID)
	}
	for i, s := range c.Steps {
		if strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("case %s step %d has no action", c.ID, i)
		}
	}
	return nil
}

// Validate checks the structural invariants of a suite.
func (s *Suite) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("suite id is required")
	}
	if len(s.Cases) == 0 {
		return fmt.Errorf("suite %s has no cases", s.ID)
	}
	return nil
}
