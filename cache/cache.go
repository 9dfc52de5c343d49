// Package cache keeps recently served decompressed entries in memory so
// repeated range requests against compressed payloads do not re-decode the
// same content.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Store is an LRU of decompressed entry contents keyed by source and path.
// Concurrent fills of the same key are collapsed to a single decode.
type Store struct {
	entries  *lru.Cache[string, []byte]
	group    singleflight.Group
	maxEntry int64
}

// New builds a store holding up to maxEntries contents, each no larger
// than maxEntryBytes. Larger entries bypass the cache.
func New(maxEntries int, maxEntryBytes int64) (*Store, error) {
	if maxEntries <= 0 || maxEntryBytes <= 0 {
		return nil, fmt.Errorf("cache: maxEntries and maxEntryBytes must be positive")
	}
	entries, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Store{entries: entries, maxEntry: maxEntryBytes}, nil
}

// Cacheable reports whether content of the given size fits the per-entry
// cap.
func (s *Store) Cacheable(size int64) bool {
	return size <= s.maxEntry
}

// Key builds the cache key for an entry within a source.
func Key(sourceID, path string) string {
	return sourceID + "\x00" + path
}

// GetOrFill returns the cached content for key, calling fill on a miss.
// Only one fill per key runs at a time; concurrent callers share its
// result. Results larger than the per-entry cap are returned but not
// retained.
func (s *Store) GetOrFill(key string, fill func() ([]byte, error)) ([]byte, error) {
	if content, ok := s.entries.Get(key); ok {
		return content, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		if content, ok := s.entries.Get(key); ok {
			return content, nil
		}
		content, err := fill()
		if err != nil {
			return nil, err
		}
		if int64(len(content)) <= s.maxEntry {
			s.entries.Add(key, content)
		}
		return content, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Purge drops everything, e.g. when a container is replaced.
func (s *Store) Purge() {
	s.entries.Purge()
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	return s.entries.Len()
}
