package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/odvcencio/checkride/pkg/diagnose"
	enginerr "github.com/odvcencio/checkride/pkg/errors"
	"github.com/odvcencio/checkride/pkg/evidence"
	"github.com/odvcencio/checkride/pkg/run"
)

// CreateRun inserts a new run record with retry logic for database locks.
func (s *Store) CreateRun(r *run.Run) error {
	query := `
		INSERT INTO runs (run_id, case_id, suite_id, status, started_at, ended_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var suiteID any
	if r.SuiteID != "" {
		suiteID = r.SuiteID
	}
	var startedAt, endedAt any
	if !r.StartedAt.IsZero() {
		startedAt = r.StartedAt
	}
	if r.EndedAt != nil {
		endedAt = *r.EndedAt
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		r.CreatedAt = createdAt
	}

	// Retry on transient SQLITE_BUSY during concurrent runs
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err = s.db.Exec(query,
			r.ID, r.CaseID, suiteID, string(r.Status), startedAt, endedAt, r.DurationMS, createdAt,
		)

		if err == nil {
			s.notify(newEvent(EventRunCreated, r.ID, r.ID, *r))
			return nil
		}

		if isBusyError(err) && attempt < maxRetries {
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}

		break
	}

	return enginerr.Wrap(err, enginerr.ErrCodeStorageWrite, "create run").
		WithContext("run_id", r.ID)
}

// UpdateRun persists a run's status transition and timing fields. Step
// results are appended separately and never touched here.
func (s *Store) UpdateRun(r *run.Run) error {
	var startedAt, endedAt any
	if !r.StartedAt.IsZero() {
		startedAt = r.StartedAt
	}
	if r.EndedAt != nil {
		endedAt = *r.EndedAt
	}

	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?, ended_at = ?, duration_ms = ?
		WHERE run_id = ?
	`, string(r.Status), startedAt, endedAt, r.DurationMS, r.ID)
	if err != nil {
		return enginerr.Wrap(err, enginerr.ErrCodeStorageWrite, "update run").
			WithContext("run_id", r.ID)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return enginerr.New(enginerr.ErrCodeNotFound, "run not found").
			WithContext("run_id", r.ID)
	}

	s.notify(newEvent(EventRunUpdated, r.ID, r.ID, *r))
	return nil
}

// AppendStepResult records a step outcome. Results are append-only and
// must arrive in strictly ascending index order with no gaps; the
// transaction rejects anything else.
func (s *Store) AppendStepResult(sr *run.StepResult) error {
	var analysisJSON any
	if sr.Analysis != nil {
		data, err := json.Marshal(sr.Analysis)
		if err != nil {
			return enginerr.Wrap(err, enginerr.ErrCodeStorageWrite, "encode step analysis").
				WithContext("run_id", sr.RunID).
				WithContext("step_index", sr.StepIndex)
		}
		analysisJSON = string(data)
	}

	createdAt := sr.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		sr.CreatedAt = createdAt
	}

	tx, err := s.db.Begin()
	if err != nil {
		return enginerr.Wrap(err, enginerr.ErrCodeStorageWrite, "begin step append")
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM step_results WHERE run_id = ?`, sr.RunID,
	).Scan(&next); err != nil {
		return enginerr.Wrap(err, enginerr.ErrCodeStorageWrite, "count step results").
			WithContext("run_id", sr.RunID)
	}
	if sr.StepIndex != next {
		return enginerr.New(enginerr.ErrCodeStorageWrite, "step index out of order").
			WithContext("run_id", sr.RunID).
			WithContext("step_index", sr.StepIndex).
			WithContext("expected_index", next)
	}

	if _, err := tx.Exec(`
		INSERT INTO step_results (run_id, step_index, name, status, error_message, analysis_json, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sr.RunID, sr.StepIndex, sr.Name, string(sr.Status), nullable(sr.ErrorMessage), analysisJSON, sr.DurationMS, createdAt); err != nil {
		return enginerr.Wrap(err, enginerr.ErrCodeStorageWrite, "insert step result").
			WithContext("run_id", sr.RunID).
			WithContext("step_index", sr.StepIndex)
	}

	if err := tx.Commit(); err != nil {
		return enginerr.Wrap(err, enginerr.ErrCodeStorageWrite, "commit step append")
	}

	s.notify(newEvent(EventStepRecorded, sr.RunID, sr.StepIndex, *sr))
	return nil
}

// GetRun retrieves a run with its step results and evidence attached.
func (s *Store) GetRun(runID string) (*run.Run, error) {
	var (
		r         run.Run
		suiteID   sql.NullString
		status    string
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := s.db.QueryRow(`
		SELECT run_id, case_id, suite_id, status, started_at, ended_at, duration_ms, created_at
		FROM runs WHERE run_id = ?
	`, runID).Scan(&r.ID, &r.CaseID, &suiteID, &status, &startedAt, &endedAt, &r.DurationMS, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, enginerr.New(enginerr.ErrCodeNotFound, "run not found").
			WithContext("run_id", runID)
	}
	if err != nil {
		return nil, enginerr.Wrap(err, enginerr.ErrCodeStorageRead, "get run").
			WithContext("run_id", runID)
	}

	r.Status = run.Status(status)
	if suiteID.Valid {
		r.SuiteID = suiteID.String
	}
	if startedAt.Valid {
		r.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}

	steps, err := s.listStepResults(runID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.ListEvidence(runID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		for _, a := range artifacts {
			if a.StepIndex == steps[i].StepIndex {
				steps[i].Evidence = append(steps[i].Evidence, a)
			}
		}
	}
	r.Steps = steps

	return &r, nil
}

func (s *Store) listStepResults(runID string) ([]run.StepResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, step_index, name, status, error_message, analysis_json, duration_ms, created_at
		FROM step_results WHERE run_id = ? ORDER BY step_index
	`, runID)
	if err != nil {
		return nil, enginerr.Wrap(err, enginerr.ErrCodeStorageRead, "list step results").
			WithContext("run_id", runID)
	}
	defer rows.Close()

	var steps []run.StepResult
	for rows.Next() {
		var (
			sr           run.StepResult
			status       string
			errorMessage sql.NullString
			analysisJSON sql.NullString
		)
		if err := rows.Scan(&sr.RunID, &sr.StepIndex, &sr.Name, &status,
			&errorMessage, &analysisJSON, &sr.DurationMS, &sr.CreatedAt); err != nil {
			return nil, enginerr.Wrap(err, enginerr.ErrCodeStorageRead, "scan step result")
		}
		sr.Status = run.StepStatus(status)
		if errorMessage.Valid {
			sr.ErrorMessage = errorMessage.String
		}
		if analysisJSON.Valid && analysisJSON.String != "" {
			var analysis diagnose.Analysis
			if err := json.Unmarshal([]byte(analysisJSON.String), &analysis); err == nil {
				sr.Analysis = &analysis
			}
		}
		steps = append(steps, sr)
	}
	return steps, rows.Err()
}

// ListRunsOptions filters and pages a run listing.
type ListRunsOptions struct {
	CaseID string
	Status run.Status
	Limit  int
	Offset int
}

// ListRuns returns run summaries newest first. Step results are not
// attached; use GetRun for the full record.
func (s *Store) ListRuns(opts ListRunsOptions) ([]run.Run, error) {
	query := `
		SELECT run_id, case_id, suite_id, status, started_at, ended_at, duration_ms, created_at
		FROM runs
	`
	var conds []string
	var args []any
	if opts.CaseID != "" {
		conds = append(conds, "case_id = ?")
		args = append(args, opts.CaseID)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(opts.Status))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, run_id"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, enginerr.Wrap(err, enginerr.ErrCodeStorageRead, "list runs")
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		var (
			r         run.Run
			suiteID   sql.NullString
			status    string
			startedAt sql.NullTime
			endedAt   sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.CaseID, &suiteID, &status,
			&startedAt, &endedAt, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, enginerr.Wrap(err, enginerr.ErrCodeStorageRead, "scan run")
		}
		r.Status = run.Status(status)
		if suiteID.Valid {
			r.SuiteID = suiteID.String
		}
		if startedAt.Valid {
			r.StartedAt = startedAt.Time
		}
		if endedAt.Valid {
			t := endedAt.Time
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run; step results and evidence rows cascade.
// Stored artifact blobs are untouched.
func (s *Store) DeleteRun(runID string) error {
	res, err := s.db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return enginerr.Wrap(err, enginerr.ErrCodeStorageWrite, "delete run").
			WithContext("run_id", runID)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return enginerr.New(enginerr.ErrCodeNotFound, "run not found").
			WithContext("run_id", runID)
	}

	s.notify(newEvent(EventRunDeleted, runID, runID, nil))
	return nil
}

// AddEvidence records an artifact reference for a run step.
func (s *Store) AddEvidence(a *evidence.Artifact) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO evidence (id, run_id, step_index, kind, locator, content_type, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.RunID, a.StepIndex, string(a.Kind), a.Locator, a.ContentType, a.SizeBytes, createdAt)
	if err != nil {
		return enginerr.Wrap(err, enginerr.ErrCodeStorageWrite, "add evidence").
			WithContext("run_id", a.RunID).
			WithContext("evidence_id", a.ID)
	}

	s.notify(newEvent(EventEvidenceRecorded, a.RunID, a.ID, *a))
	return nil
}

// ListEvidence returns all artifact references for a run ordered by step.
func (s *Store) ListEvidence(runID string) ([]evidence.Artifact, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, step_index, kind, locator, content_type, size_bytes, created_at
		FROM evidence WHERE run_id = ? ORDER BY step_index, created_at
	`, runID)
	if err != nil {
		return nil, enginerr.Wrap(err, enginerr.ErrCodeStorageRead, "list evidence").
			WithContext("run_id", runID)
	}
	defer rows.Close()

	var artifacts []evidence.Artifact
	for rows.Next() {
		var (
			a    evidence.Artifact
			kind string
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.StepIndex, &kind,
			&a.Locator, &a.ContentType, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, enginerr.Wrap(err, enginerr.ErrCodeStorageRead, "scan evidence")
		}
		a.Kind = evidence.Kind(kind)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
