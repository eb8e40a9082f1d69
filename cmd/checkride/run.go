package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/odvcencio/checkride/pkg/errors"
	"github.com/odvcencio/checkride/pkg/run"
	"github.com/odvcencio/checkride/pkg/runner"
)

// varListValue collects repeatable --var k=v flags.
type varListValue struct {
	vars map[string]string
}

func (v *varListValue) String() string { return "" }

func (v *varListValue) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected k=v, got %q", raw)
	}
	if v.vars == nil {
		v.vars = make(map[string]string)
	}
	v.vars[key] = value
	return nil
}

func runRunCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	caseID := fs.String("case", "", "case id to execute (required)")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	vars := &varListValue{}
	fs.Var(vars, "var", "variable override k=v (repeatable)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.TrimSpace(*caseID) == "" {
		return withExitCode(fmt.Errorf("usage: checkride run --case <id> [--var k=v ...] [--json]"), exitUsage)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	eng, err := buildEngine(cfg, false)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	result, runErr := eng.coordinator.Run(context.Background(), *caseID, vars.vars, runner.RunOptions{})
	if runErr != nil {
		if errors.IsNotFound(runErr) {
			return withExitCode(runErr, exitUsage)
		}
		return withExitCode(runErr, exitInfrastructure)
	}

	if *asJSON {
		if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
			return withExitCode(err, exitInfrastructure)
		}
	} else {
		printRunResult(result)
	}

	if result.Status != run.StatusPassed {
		return withExitCode(fmt.Errorf("run %s failed", result.RunID), exitRunFailed)
	}
	return nil
}

func runSuiteCommand(args []string) error {
	fs := flag.NewFlagSet("suite", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	suiteID := fs.String("suite", "", "suite id to execute (required)")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	vars := &varListValue{}
	fs.Var(vars, "var", "variable override k=v (repeatable)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.TrimSpace(*suiteID) == "" {
		return withExitCode(fmt.Errorf("usage: checkride suite --suite <id> [--var k=v ...] [--json]"), exitUsage)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	eng, err := buildEngine(cfg, false)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	result, runErr := eng.coordinator.RunSuite(context.Background(), *suiteID, vars.vars)
	if runErr != nil {
		if errors.IsNotFound(runErr) {
			return withExitCode(runErr, exitUsage)
		}
		return withExitCode(runErr, exitInfrastructure)
	}

	failed := 0
	if *asJSON {
		if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
			return withExitCode(err, exitInfrastructure)
		}
	} else {
		fmt.Printf("Suite %s: %d case(s)\n", result.SuiteID, result.Total)
	}
	for _, entry := range result.Results {
		if entry.Status != run.StatusPassed {
			failed++
		}
		if !*asJSON {
			marker := "✓"
			if entry.Status != run.StatusPassed {
				marker = "✗"
			}
			line := fmt.Sprintf("  %s %s  %s", marker, entry.CaseID, entry.Status)
			if entry.Error != "" {
				line += "  (" + entry.Error + ")"
			}
			fmt.Println(line)
		}
	}

	if failed > 0 {
		return withExitCode(fmt.Errorf("suite %s: %d of %d case(s) failed", result.SuiteID, failed, result.Total), exitRunFailed)
	}
	return nil
}

func printRunResult(result *run.Result) {
	fmt.Printf("Run %s (%s): %s in %dms\n", result.RunID, result.CaseID, result.Status, result.DurationMS)
	for _, sr := range result.StepResults {
		marker := "✓"
		if sr.Status != run.StepPassed {
			marker = "✗"
		}
		fmt.Printf("  %s [%d] %s  %dms\n", marker, sr.StepIndex, sr.Name, sr.DurationMS)
		if sr.ErrorMessage != "" {
			fmt.Printf("      error: %s\n", sr.ErrorMessage)
		}
		if sr.Analysis != nil {
			fmt.Printf("      diagnosis (%s): %s\n", sr.Analysis.Confidence, sr.Analysis.RootCause)
			for _, suggestion := range sr.Analysis.Suggestions {
				fmt.Printf("        - %s\n", suggestion)
			}
		}
	}
}
