package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/checkride/pkg/assertion"
	"github.com/odvcencio/checkride/pkg/browser"
	"github.com/odvcencio/checkride/pkg/bus"
	"github.com/odvcencio/checkride/pkg/diagnose"
	"github.com/odvcencio/checkride/pkg/errors"
	"github.com/odvcencio/checkride/pkg/evidence"
	"github.com/odvcencio/checkride/pkg/run"
	"github.com/odvcencio/checkride/pkg/storage"
	"github.com/odvcencio/checkride/pkg/testcase"
)

type fakeSource struct {
	cases  map[string]*testcase.Case
	suites map[string]*testcase.Suite
}

func (f *fakeSource) Case(_ context.Context, id string) (*testcase.Case, error) {
	tc, ok := f.cases[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, fmt.Sprintf("case not found: %s", id))
	}
	return tc, nil
}

func (f *fakeSource) Suite(_ context.Context, id string) (*testcase.Suite, error) {
	s, ok := f.suites[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, fmt.Sprintf("suite not found: %s", id))
	}
	return s, nil
}

type fakeSession struct {
	mu    sync.Mutex
	id    string
	url   string
	calls []string

	failAction string
	failErr    error
}

func (s *fakeSession) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeSession) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSession) do(action, call string) error {
	s.record(call)
	if s.failAction == action {
		return s.failErr
	}
	return nil
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	return s.do("navigate", "navigate:"+url)
}

func (s *fakeSession) Click(_ context.Context, selector string) error {
	return s.do("click", "click:"+selector)
}

func (s *fakeSession) Type(_ context.Context, selector, text string) error {
	return s.do("type", "type:"+selector+"="+text)
}

func (s *fakeSession) SelectOption(_ context.Context, selector, value string) error {
	return s.do("select", "select:"+selector+"="+value)
}

func (s *fakeSession) SetChecked(_ context.Context, selector string, checked bool) error {
	return s.do("check", fmt.Sprintf("check:%s=%t", selector, checked))
}

func (s *fakeSession) WaitForSelector(_ context.Context, selector string, _ time.Duration) error {
	return s.do("waitForSelector", "waitForSelector:"+selector)
}

func (s *fakeSession) WaitQuiescent(context.Context, time.Duration) bool { return true }

func (s *fakeSession) Screenshot(context.Context) ([]byte, error) {
	return []byte("png-bytes"), nil
}

func (s *fakeSession) DOMSnapshot(context.Context) (string, error) {
	return `<html><body><button id="save">Save</button></body></html>`, nil
}

func (s *fakeSession) PageURL(context.Context) (string, error) { return s.url, nil }

func (s *fakeSession) TextVisible(context.Context, string) (bool, error)    { return true, nil }
func (s *fakeSession) ElementExists(context.Context, string) (bool, error)  { return true, nil }
func (s *fakeSession) ElementVisible(context.Context, string) (bool, error) { return true, nil }

func (s *fakeSession) ConsoleLogs() []string { return []string{"warn: deprecated API"} }
func (s *fakeSession) Close() error          { return nil }

type fakeRuntime struct {
	mu       sync.Mutex
	sessions []*fakeSession
	template fakeSession
}

func (r *fakeRuntime) NewSession(_ context.Context, cfg browser.SessionConfig) (browser.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := &fakeSession{
		id:         cfg.RunID,
		url:        r.template.url,
		failAction: r.template.failAction,
		failErr:    r.template.failErr,
	}
	r.sessions = append(r.sessions, sess)
	return sess, nil
}

func (r *fakeRuntime) Close(context.Context) error { return nil }

func (r *fakeRuntime) last() *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

type memBlobStore struct{}

func (memBlobStore) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	return "mem://" + key, nil
}

type fakeAnalyzer struct {
	mu       sync.Mutex
	requests []diagnose.Request
}

func (a *fakeAnalyzer) Analyze(_ context.Context, req diagnose.Request) diagnose.Analysis {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	return diagnose.Analysis{
		RootCause:    "selector drift",
		Explanations: []string{"the save button moved"},
		Suggestions:  []string{"re-record the step"},
		Confidence:   "high",
	}
}

type harness struct {
	coordinator *Coordinator
	store       *storage.Store
	runtime     *fakeRuntime
	analyzer    *fakeAnalyzer
	bus         bus.MessageBus
}

func newHarness(t *testing.T, source testcase.Source, runtime *fakeRuntime) *harness {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "checkride.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	memBus := bus.NewMemoryBus()
	t.Cleanup(func() { memBus.Close() })

	analyzer := &fakeAnalyzer{}
	coordinator := New(Config{
		Source:   source,
		Store:    store,
		Browser:  browser.NewManager(func(context.Context) (browser.Runtime, error) { return runtime, nil }),
		Recorder: evidence.NewRecorder(memBlobStore{}, nil),
		Analyzer: analyzer,
		Bus:      memBus,
		Session:  browser.DefaultSessionConfig(),
	})

	return &harness{
		coordinator: coordinator,
		store:       store,
		runtime:     runtime,
		analyzer:    analyzer,
		bus:         memBus,
	}
}

func loginCase() *testcase.Case {
	return &testcase.Case{
		ID:   "login",
		Name: "Login flow",
		Steps: []testcase.Step{
			{Name: "open app", Action: "navigate", Value: "https://app.example.test/login"},
			{Name: "enter email", Action: "type", Selector: "#email", Value: "qa@example.test"},
			{Name: "submit", Action: "click", Selector: "button[type=submit]"},
		},
		Assertions: []testcase.Assertion{
			{Type: assertion.TypeURLContains, Value: "/home"},
		},
	}
}

func TestRunAllStepsAndAssertionsPass(t *testing.T) {
	source := &fakeSource{cases: map[string]*testcase.Case{"login": loginCase()}}
	h := newHarness(t, source, &fakeRuntime{template: fakeSession{url: "https://app.example.test/home"}})

	result, err := h.coordinator.Run(context.Background(), "login", nil, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, run.StatusPassed, result.Status)
	require.Len(t, result.StepResults, 3)
	for i, sr := range result.StepResults {
		assert.Equal(t, i, sr.StepIndex)
		assert.Equal(t, run.StepPassed, sr.Status)
		assert.Len(t, sr.Evidence, 3, "before/after screenshots plus the settled DOM")
	}

	persisted, err := h.store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPassed, persisted.Status)
	assert.Len(t, persisted.Steps, 3)
	assert.NotNil(t, persisted.EndedAt)
	assert.Equal(t, run.Duration(result.StepResults), persisted.DurationMS)
}

func TestRunHaltsOnFirstStepFailure(t *testing.T) {
	source := &fakeSource{cases: map[string]*testcase.Case{"login": loginCase()}}
	h := newHarness(t, source, &fakeRuntime{template: fakeSession{
		url:        "https://app.example.test/login",
		failAction: "type",
		failErr:    fmt.Errorf("element not found: #email"),
	}})

	result, err := h.coordinator.Run(context.Background(), "login", nil, RunOptions{})
	require.NoError(t, err, "step failures are data, not errors")

	assert.Equal(t, run.StatusFailed, result.Status)
	require.Len(t, result.StepResults, 2, "halt after the failing step")
	assert.Equal(t, run.StepPassed, result.StepResults[0].Status)

	failed := result.StepResults[1]
	assert.Equal(t, 1, failed.StepIndex)
	assert.Equal(t, run.StepFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "element not found")

	require.NotNil(t, failed.Analysis)
	assert.Equal(t, "selector drift", failed.Analysis.RootCause)

	kinds := make([]evidence.Kind, 0, len(failed.Evidence))
	for _, a := range failed.Evidence {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, evidence.KindScreenshotError)
	assert.Contains(t, kinds, evidence.KindDOMSnapshot)

	persisted, err := h.store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, persisted.Status)
	assert.Len(t, persisted.Steps, 2)
}

func TestRunFailedAssertionsAppendSyntheticResults(t *testing.T) {
	tc := loginCase()
	tc.Assertions = []testcase.Assertion{
		{Type: assertion.TypeURLContains, Value: "/login"},
		{Type: assertion.TypeURLContains, Value: "/dashboard", Description: "landed on dashboard"},
	}
	source := &fakeSource{cases: map[string]*testcase.Case{"login": tc}}
	h := newHarness(t, source, &fakeRuntime{template: fakeSession{url: "https://app.example.test/login"}})

	result, err := h.coordinator.Run(context.Background(), "login", nil, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, run.StatusFailed, result.Status)
	require.Len(t, result.StepResults, 4, "3 steps plus one synthetic assertion failure")

	synthetic := result.StepResults[3]
	assert.Equal(t, 3, synthetic.StepIndex)
	assert.Equal(t, run.StepFailed, synthetic.Status)
	assert.Equal(t, "landed on dashboard", synthetic.Name)
	assert.Empty(t, synthetic.Evidence)
	assert.Nil(t, synthetic.Analysis)

	persisted, err := h.store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Len(t, persisted.Steps, 4)
}

func TestRunInterpolatesVariables(t *testing.T) {
	tc := &testcase.Case{
		ID:   "greet",
		Name: "Greeting",
		Variables: map[string]string{
			"username": "default-user",
			"base_url": "https://app.example.test",
		},
		Steps: []testcase.Step{
			{Name: "open", Action: "navigate", Value: "${base_url}/profile"},
			{Name: "greet", Action: "type", Selector: "#greeting", Value: "user:${username}"},
			{Name: "unresolved", Action: "type", Selector: "#note", Value: "${missing}"},
			{Name: "attr", Action: "click", Selector: `[data-tmpl="${username}"]`},
		},
	}
	source := &fakeSource{cases: map[string]*testcase.Case{"greet": tc}}
	h := newHarness(t, source, &fakeRuntime{template: fakeSession{url: "https://app.example.test/profile"}})

	result, err := h.coordinator.Run(context.Background(), "greet", map[string]string{"username": "alice"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, run.StatusPassed, result.Status)

	calls := h.runtime.last().recorded()
	assert.Contains(t, calls, "navigate:https://app.example.test/profile")
	assert.Contains(t, calls, "type:#greeting=user:alice", "invocation variables override case defaults")
	assert.Contains(t, calls, "type:#note=${missing}", "unresolved placeholders stay verbatim")
	assert.Contains(t, calls, `click:[data-tmpl="${username}"]`, "selectors are never interpolated")
}

func TestRunCaseNotFound(t *testing.T) {
	source := &fakeSource{cases: map[string]*testcase.Case{}}
	h := newHarness(t, source, &fakeRuntime{})

	result, err := h.coordinator.Run(context.Background(), "ghost", nil, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Nil(t, result)

	runs, err := h.store.ListRuns(storage.ListRunsOptions{})
	require.NoError(t, err)
	assert.Empty(t, runs, "nothing persisted for an unresolvable case")
}

func TestRunBrowserLaunchFailure(t *testing.T) {
	source := &fakeSource{cases: map[string]*testcase.Case{"login": loginCase()}}

	store, err := storage.New(filepath.Join(t.TempDir(), "checkride.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	coordinator := New(Config{
		Source: source,
		Store:  store,
		Browser: browser.NewManager(func(context.Context) (browser.Runtime, error) {
			return nil, fmt.Errorf("chromium binary not found")
		}),
		Recorder: evidence.NewRecorder(memBlobStore{}, nil),
		Session:  browser.DefaultSessionConfig(),
	})

	result, err := coordinator.Run(context.Background(), "login", nil, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInfrastructure, errors.GetCode(err))

	require.NotNil(t, result)
	assert.Equal(t, run.StatusFailed, result.Status)
	assert.Empty(t, result.StepResults)

	persisted, err := store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, persisted.Status)
}

func TestRunSuiteContinuesPastMissingCase(t *testing.T) {
	source := &fakeSource{
		cases: map[string]*testcase.Case{
			"a": loginCase(),
			"c": loginCase(),
		},
		suites: map[string]*testcase.Suite{
			"smoke": {ID: "smoke", Name: "Smoke", Cases: []string{"a", "b", "c"}},
		},
	}
	h := newHarness(t, source, &fakeRuntime{template: fakeSession{url: "https://app.example.test/home"}})

	suiteResult, err := h.coordinator.RunSuite(context.Background(), "smoke", nil)
	require.NoError(t, err)

	assert.Equal(t, "smoke", suiteResult.SuiteID)
	assert.Equal(t, 3, suiteResult.Total)
	require.Len(t, suiteResult.Results, 3)

	assert.Equal(t, run.StatusPassed, suiteResult.Results[0].Status)
	assert.NotEmpty(t, suiteResult.Results[0].RunID)

	missing := suiteResult.Results[1]
	assert.Equal(t, "b", missing.CaseID)
	assert.Equal(t, run.StatusFailed, missing.Status)
	assert.Contains(t, missing.Error, "case not found")
	assert.Empty(t, missing.RunID)

	assert.Equal(t, run.StatusPassed, suiteResult.Results[2].Status)
}

func TestRunSuiteNotFound(t *testing.T) {
	source := &fakeSource{suites: map[string]*testcase.Suite{}}
	h := newHarness(t, source, &fakeRuntime{})

	_, err := h.coordinator.RunSuite(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	source := &fakeSource{cases: map[string]*testcase.Case{"login": loginCase()}}
	h := newHarness(t, source, &fakeRuntime{template: fakeSession{url: "https://app.example.test/home"}})

	var mu sync.Mutex
	var subjects []string
	var finished bus.RunFinished
	_, err := h.bus.Subscribe(context.Background(), bus.SubjectRunAll, func(msg *bus.Message) {
		mu.Lock()
		defer mu.Unlock()
		subjects = append(subjects, msg.Subject)
		if msg.Subject == bus.SubjectRunFinished {
			_ = json.Unmarshal(msg.Data, &finished)
		}
	})
	require.NoError(t, err)

	result, err := h.coordinator.Run(context.Background(), "login", nil, RunOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(subjects) >= 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, bus.SubjectRunStarted, subjects[0])
	assert.Equal(t, bus.SubjectRunFinished, subjects[len(subjects)-1])
	stepEvents := 0
	for _, s := range subjects {
		if strings.HasPrefix(s, bus.SubjectRunStep) {
			stepEvents++
		}
	}
	assert.Equal(t, 3, stepEvents)

	assert.Equal(t, result.RunID, finished.RunID)
	assert.Equal(t, string(run.StatusPassed), finished.Status)
}

func TestGetRunRoundTrip(t *testing.T) {
	source := &fakeSource{cases: map[string]*testcase.Case{"login": loginCase()}}
	h := newHarness(t, source, &fakeRuntime{template: fakeSession{url: "https://app.example.test/home"}})

	result, err := h.coordinator.Run(context.Background(), "login", nil, RunOptions{})
	require.NoError(t, err)

	got, err := h.coordinator.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, got.ID)
	assert.Equal(t, "login", got.CaseID)
	require.Len(t, got.Steps, 3)
	assert.NotEmpty(t, got.Steps[0].Evidence)

	_, err = h.coordinator.GetRun(context.Background(), "no-such-run")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
