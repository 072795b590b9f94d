package metadata

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var ErrNotFound = errors.New("function metadata not found")

// Store resolves the metadata document for a function name.
type Store interface {
	Load(ctx context.Context, functionName string) (*Schema, error)
}

// DirStore serves documents from a directory of <FUNCTION_NAME>.json files.
// Parsed documents are cached per function name; an fsnotify watcher
// invalidates entries when the underlying file changes, so edits take effect
// without a restart.
type DirStore struct {
	dir string

	mu      sync.RWMutex
	cache   map[string]*Schema
	watcher *fsnotify.Watcher
}

func NewDirStore(dir string) (*DirStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("metadata dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("metadata dir %q is not a directory", dir)
	}
	s := &DirStore{dir: dir, cache: make(map[string]*Schema)}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Without a watcher the cache could serve stale documents, so run
		// uncached instead.
		log.Printf("metadata: watcher unavailable, caching disabled: %v", err)
		return s, nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		log.Printf("metadata: cannot watch %s, caching disabled: %v", dir, err)
		return s, nil
	}
	s.watcher = watcher
	go s.watchLoop()
	return s, nil
}

func (s *DirStore) Load(ctx context.Context, functionName string) (*Schema, error) {
	name := strings.TrimSpace(functionName)
	if !validFunctionName(name) {
		return nil, ErrNotFound
	}
	if s.watcher != nil {
		s.mu.RLock()
		cached, ok := s.cache[name]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata for %s: %w", name, err)
	}
	schema, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("metadata for %s: %w", name, err)
	}
	if schema.FunctionName == "" {
		schema.FunctionName = name
	}
	if s.watcher != nil {
		s.mu.Lock()
		s.cache[name] = schema
		s.mu.Unlock()
	}
	return schema, nil
}

func (s *DirStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *DirStore) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(event.Name)
			if name, found := strings.CutSuffix(base, ".json"); found {
				s.invalidate(name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("metadata: watcher error: %v", err)
		}
	}
}

func (s *DirStore) invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

// Function names come from request paths and bodies; anything that is not a
// plain SAP-style identifier is treated as unknown rather than resolved
// against the filesystem.
func validFunctionName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
