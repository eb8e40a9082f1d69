package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/checkride/pkg/bus"
	"github.com/odvcencio/checkride/pkg/errors"
	"github.com/odvcencio/checkride/pkg/evidence"
	"github.com/odvcencio/checkride/pkg/run"
	"github.com/odvcencio/checkride/pkg/runner"
	"github.com/odvcencio/checkride/pkg/storage"
)

type fakeRunService struct {
	result *run.Result
	suite  *run.SuiteResult
	record *run.Run
	err    error

	gotCaseID string
	gotVars   map[string]string
	gotOpts   runner.RunOptions
}

func (f *fakeRunService) Run(_ context.Context, caseID string, vars map[string]string, opts runner.RunOptions) (*run.Result, error) {
	f.gotCaseID = caseID
	f.gotVars = vars
	f.gotOpts = opts
	return f.result, f.err
}

func (f *fakeRunService) RunSuite(context.Context, string, map[string]string) (*run.SuiteResult, error) {
	return f.suite, f.err
}

func (f *fakeRunService) GetRun(context.Context, string) (*run.Run, error) {
	return f.record, f.err
}

func newTestServer(t *testing.T, svc RunService, cfg Config) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "checkride.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg.Runner = svc
	cfg.Store = store
	return NewServer(cfg), store
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := newTestServer(t, &fakeRunService{}, Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRun(t *testing.T) {
	svc := &fakeRunService{result: &run.Result{
		RunID:  "r-1",
		CaseID: "login",
		Status: run.StatusPassed,
	}}
	server, _ := newTestServer(t, svc, Config{})

	body := `{"case_id":"login","variables":{"username":"alice"}}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "login", svc.gotCaseID)
	assert.Equal(t, "alice", svc.gotVars["username"])

	var result run.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "r-1", result.RunID)
	assert.Equal(t, run.StatusPassed, result.Status)
}

func TestCreateRunValidation(t *testing.T) {
	server, _ := newTestServer(t, &fakeRunService{}, Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_INPUT", resp["code"])
}

func TestCreateRunCaseNotFound(t *testing.T) {
	svc := &fakeRunService{err: errors.New(errors.ErrCodeNotFound, "case not found: ghost")}
	server, _ := newTestServer(t, svc, Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"case_id":"ghost"}`)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "NOT_FOUND", resp["code"])
}

func TestListRunsAndEvidence(t *testing.T) {
	server, store := newTestServer(t, &fakeRunService{}, Config{})

	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(&run.Run{ID: "r-1", CaseID: "login", Status: run.StatusPending, CreatedAt: now}))
	require.NoError(t, store.AddEvidence(&evidence.Artifact{
		ID:          "a-1",
		RunID:       "r-1",
		StepIndex:   0,
		Kind:        evidence.KindScreenshotBefore,
		Locator:     "mem://r-1/a-1",
		ContentType: "image/png",
		SizeBytes:   10,
		CreatedAt:   now,
	}))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Runs  []run.Run `json:"runs"`
		Count int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Equal(t, 1, listResp.Count)
	assert.Equal(t, "r-1", listResp.Runs[0].ID)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/r-1/evidence", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var evResp struct {
		Artifacts []evidence.Artifact `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evResp))
	require.Len(t, evResp.Artifacts, 1)
	assert.Equal(t, "a-1", evResp.Artifacts[0].ID)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRunsStatusFilter(t *testing.T) {
	server, store := newTestServer(t, &fakeRunService{}, Config{})

	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(&run.Run{ID: "r-1", CaseID: "login", Status: run.StatusPassed, CreatedAt: now}))
	require.NoError(t, store.CreateRun(&run.Run{ID: "r-2", CaseID: "login", Status: run.StatusFailed, CreatedAt: now}))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?status=failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Runs  []run.Run `json:"runs"`
		Count int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Equal(t, 1, listResp.Count)
	assert.Equal(t, "r-2", listResp.Runs[0].ID)
	assert.Equal(t, run.StatusFailed, listResp.Runs[0].Status)
}

func TestDeleteRun(t *testing.T) {
	server, store := newTestServer(t, &fakeRunService{}, Config{})
	require.NoError(t, store.CreateRun(&run.Run{ID: "r-1", CaseID: "login", Status: run.StatusPending, CreatedAt: time.Now().UTC()}))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/runs/r-1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/runs/r-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthScopes(t *testing.T) {
	const secret = "test-secret"
	svc := &fakeRunService{result: &run.Result{RunID: "r-1", Status: run.StatusPassed}}
	server, _ := newTestServer(t, svc, Config{AuthSecret: secret})

	token := func(scope Scope) string {
		auth := newAuthenticator(secret)
		signed, err := auth.IssueToken(scope, jwt.RegisteredClaims{
			Subject:   "tester",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		require.NoError(t, err)
		return signed
	}

	// Missing token.
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Viewer can read but not execute.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token(ScopeViewer))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"case_id":"login"}`))
	req.Header.Set("Authorization", "Bearer "+token(ScopeViewer))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Runner can execute but not delete.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"case_id":"login"}`))
	req.Header.Set("Authorization", "Bearer "+token(ScopeRunner))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/runs/r-1", nil)
	req.Header.Set("Authorization", "Bearer "+token(ScopeRunner))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Garbage token.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEventsSSE(t *testing.T) {
	memBus := bus.NewMemoryBus()
	t.Cleanup(func() { memBus.Close() })

	server, _ := newTestServer(t, &fakeRunService{}, Config{Bus: memBus})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// First frame announces the subscription.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"subject":"connected"`)
	_, _ = reader.ReadString('\n')

	require.NoError(t, bus.PublishJSON(ctx, memBus, bus.SubjectRunStarted, bus.RunStarted{
		RunID:  "r-1",
		CaseID: "login",
	}))

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, bus.SubjectRunStarted)
	assert.Contains(t, line, "r-1")
}

func TestEventsWebSocket(t *testing.T) {
	memBus := bus.NewMemoryBus()
	t.Cleanup(func() { memBus.Close() })

	server, _ := newTestServer(t, &fakeRunService{}, Config{Bus: memBus})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the handler's subscription a moment to register.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.PublishJSON(context.Background(), memBus, bus.SubjectRunFinished, bus.RunFinished{
		RunID:  "r-9",
		Status: string(run.StatusPassed),
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event StreamEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, bus.SubjectRunFinished, event.Subject)
	assert.Equal(t, "r-9", event.Data["run_id"])
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t, &fakeRunService{}, Config{AllowedOrigins: []string{"https://dashboard.example.test"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
	req.Header.Set("Origin", "https://dashboard.example.test")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dashboard.example.test", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
	req.Header.Set("Origin", "https://evil.example.test")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
