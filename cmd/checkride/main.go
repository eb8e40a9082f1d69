// checkride is the browser test execution engine: it replays recorded
// cases against a real browser, captures evidence, evaluates
// assertions, and persists every run.
package main

import (
	"fmt"
	"os"
	"runtime"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(exitUsage)
	}

	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
	case "--help", "-h", "help":
		printHelp()
	case "serve":
		os.Exit(runCommand(runServeCommand, args[1:]))
	case "run":
		os.Exit(runCommand(runRunCommand, args[1:]))
	case "suite":
		os.Exit(runCommand(runSuiteCommand, args[1:]))
	case "db":
		os.Exit(runCommand(runDBCommand, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(exitUsage)
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func printVersion() {
	fmt.Printf("checkride %s\n", version)
	if commit != "unknown" {
		fmt.Printf("  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Printf("  Built:      %s\n", buildDate)
	}
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

func printHelp() {
	fmt.Print(`checkride - browser test execution engine

Usage:
  checkride <command> [flags]

Commands:
  serve      Start the API server
  run        Execute one test case
  suite      Execute every case in a suite
  db         Backup or restore the run database
  version    Print version information

Run flags:
  --case <id>      Case to execute (required)
  --var k=v        Variable override (repeatable)
  --json           Print the result as JSON

Suite flags:
  --suite <id>     Suite to execute (required)
  --var k=v        Variable override (repeatable)
  --json           Print the result as JSON

Common flags:
  --config <path>  Config file (default: ~/.checkride/config.yaml, ./checkride.yaml)

Exit codes:
  0  success / run passed
  1  run failed
  2  usage error
  3  infrastructure error
`)
}
