package evidence

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/checkride/pkg/errors"
)

func TestKindContentType(t *testing.T) {
	assert.Equal(t, "image/png", KindScreenshotBefore.ContentType())
	assert.Equal(t, "image/png", KindScreenshotError.ContentType())
	assert.Equal(t, "text/html; charset=utf-8", KindDOMSnapshot.ContentType())
}

func TestFSStorePutAndResolve(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)

	locator, err := store.Put(context.Background(), "run_r1/step_0/shot.png", []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "fs://run_r1/step_0/shot.png", locator)

	path, ok := store.Resolve(locator)
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	_, ok = store.Resolve("s3://bucket/key")
	assert.False(t, ok)
}

func TestFSStoreIsWriteOnce(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "run_r1/step_0/shot.png", []byte("a"), "image/png")
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "run_r1/step_0/shot.png", []byte("b"), "image/png")
	assert.Error(t, err)
}

func TestRecorderCapture(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)
	rec := NewRecorder(store, nil)

	artifact, err := rec.Capture(context.Background(), "r1", 2, KindDOMSnapshot, []byte("<html></html>"))
	require.NoError(t, err)
	assert.NotEmpty(t, artifact.ID)
	assert.Equal(t, "r1", artifact.RunID)
	assert.Equal(t, 2, artifact.StepIndex)
	assert.Equal(t, KindDOMSnapshot, artifact.Kind)
	assert.Equal(t, int64(len("<html></html>")), artifact.SizeBytes)
	assert.True(t, strings.HasPrefix(artifact.Locator, "fs://run_r1/step_2/dom-snapshot_"), artifact.Locator)
	assert.True(t, strings.HasSuffix(artifact.Locator, ".html"), artifact.Locator)
	assert.False(t, artifact.CreatedAt.IsZero())

	// The ulid key suffix makes repeated captures of the same step unique.
	second, err := rec.Capture(context.Background(), "r1", 2, KindDOMSnapshot, []byte("<html></html>"))
	require.NoError(t, err)
	assert.NotEqual(t, artifact.Locator, second.Locator)
}

func TestRecorderCaptureWithoutStore(t *testing.T) {
	var rec *Recorder
	_, err := rec.Capture(context.Background(), "r1", 0, KindScreenshotBefore, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeEvidenceStore))
}

type failingStore struct{}

func (failingStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "", fmt.Errorf("disk full")
}

func TestRecorderCaptureBestEffortSwallowsErrors(t *testing.T) {
	rec := NewRecorder(failingStore{}, nil)

	out := rec.CaptureBestEffort(context.Background(), "r1", 0, KindScreenshotError, []byte("x"))
	assert.Nil(t, out.Artifact)
	require.Error(t, out.Err)
	assert.True(t, errors.IsCode(out.Err, errors.ErrCodeEvidenceStore))
}
