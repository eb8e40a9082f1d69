package testcase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/checkride/pkg/errors"
)

func newCaseService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cases/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Case{
			ID:   "login",
			Name: "Login flow",
			Steps: []Step{
				{Name: "open", Action: "navigate", Value: "https://example.com/login"},
			},
		})
	})
	mux.HandleFunc("/api/cases/stepless", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Case{ID: "stepless"})
	})
	mux.HandleFunc("/api/suites/smoke", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Suite{ID: "smoke", Cases: []string{"login"}})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return httptest.NewServer(mux)
}

func TestServiceSourceResolvesCaseAndSuite(t *testing.T) {
	srv := newCaseService(t)
	defer srv.Close()

	src, err := NewServiceSource(srv.URL, nil)
	require.NoError(t, err)

	tc, err := src.Case(context.Background(), "login")
	require.NoError(t, err)
	assert.Equal(t, "login", tc.ID)
	require.Len(t, tc.Steps, 1)
	assert.Equal(t, "navigate", tc.Steps[0].Action)

	suite, err := src.Suite(context.Background(), "smoke")
	require.NoError(t, err)
	assert.Equal(t, []string{"login"}, suite.Cases)
}

func TestServiceSourceNotFound(t *testing.T) {
	srv := newCaseService(t)
	defer srv.Close()

	src, err := NewServiceSource(srv.URL, nil)
	require.NoError(t, err)

	_, err = src.Case(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "test case not found: missing")
}

func TestServiceSourceRejectsInvalidCase(t *testing.T) {
	srv := newCaseService(t)
	defer srv.Close()

	src, err := NewServiceSource(srv.URL, nil)
	require.NoError(t, err)

	_, err = src.Case(context.Background(), "stepless")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestServiceSourceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src, err := NewServiceSource(srv.URL, nil)
	require.NoError(t, err)

	_, err = src.Case(context.Background(), "login")
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageRead))
}

func TestServiceSourceRequiresURL(t *testing.T) {
	_, err := NewServiceSource("   ", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid))
}
