package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore writes artifacts under a local directory tree and returns
// fs:// locators. Files are created with O_EXCL to enforce the
// write-once discipline at the backend too.
type FSStore struct {
	dir string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("evidence directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Put writes the payload under <dir>/<key>.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return "fs://" + key, nil
}

// Resolve maps a locator produced by this store back to its path.
func (s *FSStore) Resolve(locator string) (string, bool) {
	const prefix = "fs://"
	if len(locator) <= len(prefix) || locator[:len(prefix)] != prefix {
		return "", false
	}
	return filepath.Join(s.dir, filepath.FromSlash(locator[len(prefix):])), true
}
