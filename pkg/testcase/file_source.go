package testcase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/checkride/pkg/errors"
	"github.com/odvcencio/checkride/pkg/logging"
)

// FileSource resolves cases and suites from a directory tree:
//
//	<dir>/cases/<id>.yaml
//	<dir>/suites/<id>.yaml
//
// Parsed documents are cached; when watching is enabled an fsnotify
// watcher invalidates cache entries as the files change on disk.
type FileSource struct {
	dir     string
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	cases  map[string]*Case
	suites map[string]*Suite
}

// NewFileSource creates a FileSource rooted at dir. When watch is true
// the cases/ and suites/ subdirectories are watched for changes; missing
// subdirectories are not an error (lookups under them yield NOT_FOUND).
func NewFileSource(dir string, watch bool, logger *logging.Logger) (*FileSource, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "case directory is required")
	}
	fs := &FileSource{
		dir:    dir,
		logger: logger,
		cases:  make(map[string]*Case),
		suites: make(map[string]*Suite),
	}
	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "create case watcher")
		}
		for _, sub := range []string{"cases", "suites"} {
			p := filepath.Join(dir, sub)
			if _, statErr := os.Stat(p); statErr == nil {
				if err := watcher.Add(p); err != nil {
					watcher.Close()
					return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "watch case directory").
						WithContext("path", p)
				}
			}
		}
		fs.watcher = watcher
		go fs.watch()
	}
	return fs, nil
}

func (f *FileSource) watch() {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(event.Name), ".yaml")
			f.mu.Lock()
			delete(f.cases, id)
			delete(f.suites, id)
			f.mu.Unlock()
			f.logger.Debug(logging.CategoryCase, "cache_invalidated", "case file changed", map[string]any{
				"path": event.Name,
				"op":   event.Op.String(),
			})
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn(logging.CategoryCase, "watch_error", err.Error(), nil)
		}
	}
}

// Case resolves a case by id.
func (f *FileSource) Case(ctx context.Context, id string) (*Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	cached, ok := f.cases[id]
	f.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := filepath.Join(f.dir, "cases", id+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrCodeNotFound, fmt.Sprintf("test case not found: %s", id))
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "read case file").WithContext("path", path)
	}

	var c Case
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigParse, "parse case file").WithContext("path", path)
	}
	if c.ID == "" {
		c.ID = id
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid case definition").WithContext("case_id", id)
	}

	f.mu.Lock()
	f.cases[id] = &c
	f.mu.Unlock()
	return &c, nil
}

// Suite resolves a suite by id.
func (f *FileSource) Suite(ctx context.Context, id string) (*Suite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	cached, ok := f.suites[id]
	f.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := filepath.Join(f.dir, "suites", id+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrCodeNotFound, fmt.Sprintf("test suite not found: %s", id))
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "read suite file").WithContext("path", path)
	}

	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigParse, "parse suite file").WithContext("path", path)
	}
	if s.ID == "" {
		s.ID = id
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid suite definition").WithContext("suite_id", id)
	}

	f.mu.Lock()
	f.suites[id] = &s
	f.mu.Unlock()
	return &s, nil
}

// Close stops the watcher if one was started.
func (f *FileSource) Close() error {
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}
