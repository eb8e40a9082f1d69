package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeNotFound, "test case xyz not found")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}

	if err.Message != "test case xyz not found" {
		t.Errorf("Message = %v, want 'test case xyz not found'", err.Message)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}

	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("original error")
	err := Wrap(underlying, ErrCodeStorageRead, "failed to read storage")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if err.Code != ErrCodeStorageRead {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStorageRead)
	}

	if !strings.Contains(err.Error(), "original error") {
		t.Error("Error string should include underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	err := Wrap(nil, ErrCodeInternal, "test")

	if err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeActionExecution, "click failed")
	err.WithContext("selector", "#submit")
	err.WithContext("step_index", 3)

	if err.Context["selector"] != "#submit" {
		t.Error("Context should contain 'selector' key")
	}

	if err.Context["step_index"] != 3 {
		t.Error("Context should contain 'step_index' key")
	}

	// Check that context appears in error string
	errStr := err.Error()
	if !strings.Contains(errStr, "selector") || !strings.Contains(errStr, "#submit") {
		t.Error("Error string should include context")
	}
}

func TestWithRetryable(t *testing.T) {
	err := New(ErrCodeDiagnosticsUnavailable, "analyze call timed out")
	err.WithRetryable(true)

	if !err.Retryable {
		t.Error("WithRetryable should set Retryable to true")
	}

	if !err.IsRetryable() {
		t.Error("IsRetryable should return true")
	}
}

func TestError_String(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "invalid config value")
	errStr := err.Error()

	// Should contain code
	if !strings.Contains(errStr, string(ErrCodeConfigInvalid)) {
		t.Error("Error string should contain error code")
	}

	// Should contain message
	if !strings.Contains(errStr, "invalid config value") {
		t.Error("Error string should contain message")
	}
}

func TestError_WithUnderlying(t *testing.T) {
	underlying := errors.New("file not found")
	err := Wrap(underlying, ErrCodeStorageRead, "failed to read")

	errStr := err.Error()

	if !strings.Contains(errStr, "file not found") {
		t.Error("Error string should include underlying error")
	}

	if !strings.Contains(errStr, "STORAGE_READ") {
		t.Error("Error string should include error code")
	}
}

func TestUnwrap(t *testing.T) {
	underlying := errors.New("underlying")
	err := Wrap(underlying, ErrCodeInternal, "wrapped")

	unwrapped := err.Unwrap()

	if unwrapped != underlying {
		t.Error("Unwrap should return underlying error")
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeInfrastructure, "browser launch failed")

	if !IsCode(err, ErrCodeInfrastructure) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeNotFound) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeInfrastructure) {
		t.Error("IsCode should return false for nil error")
	}

	stdErr := errors.New("standard error")
	if IsCode(stdErr, ErrCodeInternal) {
		t.Error("IsCode should return false for plain errors")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCodeUnsupportedAction, "unknown action")

	code := GetCode(err)
	if code != ErrCodeUnsupportedAction {
		t.Errorf("GetCode = %v, want %v", code, ErrCodeUnsupportedAction)
	}

	// Nil error
	if GetCode(nil) != "" {
		t.Error("GetCode should return empty string for nil")
	}

	// Standard error
	stdErr := errors.New("standard")
	if GetCode(stdErr) != ErrCodeInternal {
		t.Error("GetCode should return ErrCodeInternal for plain errors")
	}
}

func TestIsRetryable_Function(t *testing.T) {
	retryable := New(ErrCodeDiagnosticsUnavailable, "rate limited").WithRetryable(true)
	notRetryable := New(ErrCodeConfigInvalid, "bad config")

	if !IsRetryable(retryable) {
		t.Error("IsRetryable should return true for retryable error")
	}

	if IsRetryable(notRetryable) {
		t.Error("IsRetryable should return false for non-retryable error")
	}

	if IsRetryable(nil) {
		t.Error("IsRetryable should return false for nil")
	}

	stdErr := errors.New("standard")
	if IsRetryable(stdErr) {
		t.Error("IsRetryable should return false for plain errors")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(New(ErrCodeNotFound, "case missing")) {
		t.Error("IsNotFound should return true for NOT_FOUND errors")
	}

	if IsNotFound(New(ErrCodeInternal, "boom")) {
		t.Error("IsNotFound should return false for other codes")
	}

	if IsNotFound(nil) {
		t.Error("IsNotFound should return false for nil")
	}
}

func TestStackTrace(t *testing.T) {
	err := New(ErrCodeInternal, "test error")

	trace := err.StackTrace()

	if trace == "" {
		t.Error("StackTrace should return non-empty string")
	}

	if !strings.Contains(trace, "Stack trace:") {
		t.Error("StackTrace should contain header")
	}

	// Should contain at least one frame
	if len(err.Stack) == 0 {
		t.Error("Stack should have frames")
	}
}

func TestFrame_String(t *testing.T) {
	frame := Frame{
		Function: "github.com/odvcencio/checkride/pkg/errors.TestFunc",
		File:     "/path/to/file.go",
		Line:     42,
	}

	str := frame.String()

	if str != frame.Function {
		t.Errorf("Frame.String() = %v, want %v", str, frame.Function)
	}
}

func TestCaptureStack(t *testing.T) {
	frames := captureStack(0)

	if len(frames) == 0 {
		t.Error("captureStack should return at least one frame")
	}

	// Should contain testing-related frames
	found := false
	for _, frame := range frames {
		if strings.Contains(frame.Function, "Test") || strings.Contains(frame.Function, "errors") {
			found = true
			break
		}
	}

	if !found {
		t.Error("Stack should contain test or errors package frames")
	}
}

func TestMultipleContext(t *testing.T) {
	err := New(ErrCodeActionExecution, "step execution failed")
	err.WithContext("run_id", "123")
	err.WithContext("step_index", 2)
	err.WithContext("action", "click")

	if len(err.Context) != 3 {
		t.Errorf("Context should have 3 entries, got %d", len(err.Context))
	}

	errStr := err.Error()
	for _, key := range []string{"run_id", "step_index", "action"} {
		if !strings.Contains(errStr, key) {
			t.Errorf("Error string should contain context key %q", key)
		}
	}
}

func TestChaining(t *testing.T) {
	// Test method chaining
	err := New(ErrCodeEvidenceStore, "put failed").
		WithContext("kind", "screenshot-after").
		WithContext("status_code", 503).
		WithRetryable(true)

	if err.Code != ErrCodeEvidenceStore {
		t.Error("Chaining should preserve code")
	}

	if len(err.Context) != 2 {
		t.Error("Chaining should add all context")
	}

	if !err.Retryable {
		t.Error("Chaining should set retryable")
	}
}

func TestErrorCodes_Defined(t *testing.T) {
	// Ensure all error codes are non-empty
	codes := []ErrorCode{
		ErrCodeInfrastructure,
		ErrCodeUnsupportedAction,
		ErrCodeActionExecution,
		ErrCodeAssertionFailure,
		ErrCodeDiagnosticsUnavailable,
		ErrCodeNotFound,
		ErrCodeStorageRead,
		ErrCodeStorageWrite,
		ErrCodeEvidenceStore,
		ErrCodeConfigLoad,
		ErrCodeConfigParse,
		ErrCodeConfigInvalid,
		ErrCodeInternal,
		ErrCodeInvalidInput,
	}

	for _, code := range codes {
		if code == "" {
			t.Error("Error code should not be empty")
		}
	}
}
