package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/checkride/pkg/errors"
	"github.com/odvcencio/checkride/pkg/run"
	"github.com/odvcencio/checkride/pkg/runner"
	"github.com/odvcencio/checkride/pkg/storage"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	if _, err := s.store.GetSchemaVersion(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "storage unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// CreateRunRequest is the body for POST /api/v1/runs.
type CreateRunRequest struct {
	CaseID    string            `json:"case_id"`
	SuiteID   string            `json:"suite_id,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.ErrCodeInvalidInput), err.Error())
		return
	}
	if strings.TrimSpace(req.CaseID) == "" {
		writeError(w, http.StatusBadRequest, string(errors.ErrCodeInvalidInput), "case_id is required")
		return
	}

	// Synchronous: the response is the full run result. Step and
	// assertion failures are result data, not HTTP errors.
	result, err := s.runner.Run(r.Context(), req.CaseID, req.Variables, runner.RunOptions{SuiteID: req.SuiteID})
	if err != nil {
		writeStructuredError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RunSuiteRequest is the body for POST /api/v1/suites/{id}/runs.
type RunSuiteRequest struct {
	Variables map[string]string `json:"variables,omitempty"`
}

func (s *Server) handleRunSuite(w http.ResponseWriter, r *http.Request) {
	suiteID := chi.URLParam(r, "id")

	var req RunSuiteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.ErrCodeInvalidInput), err.Error())
		return
	}

	result, err := s.runner.RunSuite(r.Context(), suiteID, req.Variables)
	if err != nil {
		writeStructuredError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListRunsOptions{
		CaseID: r.URL.Query().Get("case_id"),
		Status: run.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, string(errors.ErrCodeInvalidInput), "limit must be a positive integer")
			return
		}
		opts.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, string(errors.ErrCodeInvalidInput), "offset must be a non-negative integer")
			return
		}
		opts.Offset = offset
	}

	runs, err := s.store.ListRuns(opts)
	if err != nil {
		writeStructuredError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	record, err := s.runner.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStructuredError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(runID); err != nil {
		writeStructuredError(w, err)
		return
	}
	artifacts, err := s.store.ListEvidence(runID)
	if err != nil {
		writeStructuredError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRun(chi.URLParam(r, "id")); err != nil {
		writeStructuredError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == io.EOF {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// writeStructuredError maps engine error codes onto HTTP statuses.
func writeStructuredError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidInput, errors.ErrCodeConfigInvalid:
		status = http.StatusBadRequest
	}
	writeError(w, status, string(code), err.Error())
}
