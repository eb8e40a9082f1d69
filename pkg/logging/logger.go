package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategoryRun         Category = "run"
	CategoryStep        Category = "step"
	CategoryBrowser     Category = "browser"
	CategoryEvidence    Category = "evidence"
	CategoryAssertion   Category = "assertion"
	CategoryDiagnostics Category = "diagnostics"
	CategoryStorage     Category = "storage"
	CategoryCase        Category = "case"
	CategoryAPI         Category = "api"
	CategoryEvents      Category = "events"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Category  Category          `json:"category"`
	EventType string            `json:"type"`
	RunID     string            `json:"run_id,omitempty"`
	CaseID    string            `json:"case_id,omitempty"`
	StepIndex *int              `json:"step_index,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Logger writes structured events to multiple destinations.
// One logger is scoped to a run id; the service itself logs under
// a stable id (e.g. "engine"). A nil *Logger discards everything.
type Logger struct {
	runID     string
	caseID    string
	baseDir   string
	runFile   *os.File
	errorFile *os.File
	diagFile  *os.File
	mu        sync.Mutex
	minLevel  Level
}

// NewLogger creates a new structured logger
func NewLogger(baseDir, runID string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Create subdirectories
	runsDir := filepath.Join(baseDir, "runs")
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}

	// Open log files
	runFile, err := os.OpenFile(
		filepath.Join(runsDir, runID+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		runFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	diagFile, err := os.OpenFile(
		filepath.Join(baseDir, "diagnostics.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		runFile.Close()
		errorFile.Close()
		return nil, fmt.Errorf("failed to open diagnostics log: %w", err)
	}

	return &Logger{
		runID:     runID,
		baseDir:   baseDir,
		runFile:   runFile,
		errorFile: errorFile,
		diagFile:  diagFile,
		minLevel:  LevelInfo,
	}, nil
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// SetCaseID sets the current case ID for subsequent events
func (l *Logger) SetCaseID(caseID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caseID = caseID
}

// Log writes an event to appropriate destinations
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Set run ID if not provided
	if event.RunID == "" {
		event.RunID = l.runID
	}

	// Set case ID if not provided and we have one
	if event.CaseID == "" && l.caseID != "" {
		event.CaseID = l.caseID
	}

	// Check min level
	if !l.shouldLog(event.Level) {
		return nil
	}

	// Marshal event
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	// Write to run log
	if l.runFile != nil {
		if _, err := l.runFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to run log: %w", err)
		}
	}

	// Write errors to error log
	if event.Level == LevelError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}

	// Write diagnostics events to diagnostics log
	if event.Category == CategoryDiagnostics && l.diagFile != nil {
		if _, err := l.diagFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to diagnostics log: %w", err)
		}
	}

	return nil
}

// shouldLog checks if event should be logged based on level
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}

// Helper methods for common log patterns

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelDebug,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelInfo,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelWarn,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelError,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Close closes all log files
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.runFile != nil {
		if err := l.runFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.diagFile != nil {
		if err := l.diagFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// ReadRecentEvents reads the last N events from a run log
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	var lines []string
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		data, _ := json.Marshal(event)
		lines = append(lines, string(data))
	}

	// Return last N lines
	start := 0
	if len(lines) > count {
		start = len(lines) - count
	}

	events := make([]Event, 0, len(lines)-start)
	for i := start; i < len(lines); i++ {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err == nil {
			events = append(events, event)
		}
	}

	return events, nil
}
