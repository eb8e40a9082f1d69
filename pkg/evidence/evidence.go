// Package evidence persists run artifacts (screenshots, DOM snapshots)
// to an addressable store and hands back stable locators.
package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/checkride/pkg/errors"
	"github.com/odvcencio/checkride/pkg/logging"
)

// Kind classifies an artifact relative to its step.
type Kind string

const (
	KindScreenshotBefore Kind = "screenshot-before"
	KindScreenshotAfter  Kind = "screenshot-after"
	KindScreenshotError  Kind = "screenshot-error"
	KindDOMSnapshot      Kind = "dom-snapshot"
)

// ext maps artifact kinds to file extensions.
func (k Kind) ext() string {
	if k == KindDOMSnapshot {
		return "html"
	}
	return "png"
}

// ContentType returns the MIME type stored alongside the artifact.
func (k Kind) ContentType() string {
	if k == KindDOMSnapshot {
		return "text/html; charset=utf-8"
	}
	return "image/png"
}

// Artifact describes one stored piece of evidence. Write-once: the
// ulid-suffixed key makes every write unique.
type Artifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	StepIndex   int       `json:"step_index"`
	Kind        Kind      `json:"kind"`
	Locator     string    `json:"locator"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore is the addressable backend artifacts are written to.
type BlobStore interface {
	// Put stores the payload under key and returns a stable locator.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Outcome is the result of a best-effort capture. Err is informational
// only: it has already been logged and must never be propagated, so a
// capture failure on the error-evidence path cannot mask the step error
// it documents.
type Outcome struct {
	Artifact *Artifact
	Err      error
}

// Recorder persists artifacts through a BlobStore and distinguishes the
// propagate path (success evidence) from the swallow path (failure
// evidence) at the call site.
type Recorder struct {
	store  BlobStore
	logger *logging.Logger
}

// NewRecorder creates a Recorder over the given backend.
func NewRecorder(store BlobStore, logger *logging.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Capture stores an artifact; storage failure is the caller's error.
func (r *Recorder) Capture(ctx context.Context, runID string, stepIndex int, kind Kind, data []byte) (*Artifact, error) {
	if r == nil || r.store == nil {
		return nil, errors.New(errors.ErrCodeEvidenceStore, "evidence store not configured")
	}

	id := ulid.Make().String()
	key := fmt.Sprintf("run_%s/step_%d/%s_%s.%s", runID, stepIndex, kind, id, kind.ext())

	locator, err := r.store.Put(ctx, key, data, kind.ContentType())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeEvidenceStore, "store evidence artifact").
			WithContext("run_id", runID).
			WithContext("kind", string(kind))
	}

	return &Artifact{
		ID:          id,
		RunID:       runID,
		StepIndex:   stepIndex,
		Kind:        kind,
		Locator:     locator,
		ContentType: kind.ContentType(),
		SizeBytes:   int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// CaptureBestEffort stores an artifact on the failure path. Errors are
// logged and returned only as data; callers continue regardless.
func (r *Recorder) CaptureBestEffort(ctx context.Context, runID string, stepIndex int, kind Kind, data []byte) Outcome {
	artifact, err := r.Capture(ctx, runID, stepIndex, kind, data)
	if err != nil {
		r.logger.Warn(logging.CategoryEvidence, "capture_failed", err.Error(), map[string]any{
			"run_id":     runID,
			"step_index": stepIndex,
			"kind":       string(kind),
		})
		return Outcome{Err: err}
	}
	return Outcome{Artifact: artifact}
}
