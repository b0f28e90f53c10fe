package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DocumentSource loads the raw text of a document addressed by path. Parsing
// binary formats into text happens before a document reaches a source.
type DocumentSource interface {
	GetText(ctx context.Context, path string) ([]byte, error)
}

// FileSource reads documents from the local filesystem. Results are cached
// per path and concurrent loads of the same path are collapsed.
type FileSource struct {
	root string

	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewFileSource creates a FileSource resolving relative paths against root.
// An empty root uses the working directory.
func NewFileSource(root string) *FileSource {
	return &FileSource{
		root:  root,
		cache: make(map[string][]byte),
	}
}

func (s *FileSource) GetText(ctx context.Context, path string) ([]byte, error) {
	return Cached(&s.cacheMu, s.cache, &s.group, path, func() ([]byte, error) {
		full := path
		if s.root != "" && !filepath.IsAbs(path) {
			full = filepath.Join(s.root, path)
		}
		b, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("failed to read document %s: %w", path, err)
		}
		return b, nil
	})
}

// Cached returns cache[key], loading and storing it with load on a miss.
// Concurrent misses for the same key share one load.
func Cached(
	mu *sync.RWMutex,
	cache map[string][]byte,
	group *singleflight.Group,
	key string,
	load func() ([]byte, error),
) ([]byte, error) {
	mu.RLock()
	if cached, ok := cache[key]; ok {
		mu.RUnlock()
		return cached, nil
	}
	mu.RUnlock()

	result, err, _ := group.Do(key, func() (any, error) {
		mu.RLock()
		if cached, ok := cache[key]; ok {
			mu.RUnlock()
			return cached, nil
		}
		mu.RUnlock()

		b, err := load()
		if err != nil {
			return nil, err
		}

		mu.Lock()
		cache[key] = b
		mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
