package io

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/stratum-kg/stratum/pkg/loader"
)

// IOSourceLoader loads documents from the local filesystem with caching.
// Concurrent reads of the same file are collapsed into one.
type IOSourceLoader struct {
	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewIOSourceLoader creates a new filesystem-based loader.
func NewIOSourceLoader() *IOSourceLoader {
	return &IOSourceLoader{
		cache: make(map[string][]byte),
	}
}

// GetSourceText reads the file content from the filesystem. Results are cached.
func (l *IOSourceLoader) GetSourceText(ctx context.Context, file loader.SourceFile) ([]byte, error) {
	key := loader.CacheKey(file)

	l.cacheMu.RLock()
	if cached, ok := l.cache[key]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	result, err, _ := l.group.Do(key, func() (any, error) {
		l.cacheMu.RLock()
		if cached, ok := l.cache[key]; ok {
			l.cacheMu.RUnlock()
			return cached, nil
		}
		l.cacheMu.RUnlock()

		result, err := os.ReadFile(file.Path)
		if err != nil {
			return nil, err
		}

		l.cacheMu.Lock()
		l.cache[key] = result
		l.cacheMu.Unlock()

		return result, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}
