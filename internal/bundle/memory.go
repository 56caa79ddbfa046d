package bundle

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemorySource keeps bundle files in memory. Used by tests and by maps
// downloaded from the robot.
type MemorySource struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemorySource returns a MemorySource seeded with a copy of files.
func NewMemorySource(files map[string][]byte) *MemorySource {
	s := &MemorySource{files: make(map[string][]byte, len(files))}
	for k, v := range files {
		s.files[k] = append([]byte(nil), v...)
	}
	return s
}

// Put stores data under key.
func (s *MemorySource) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = append([]byte(nil), data...)
}

// Delete removes key.
func (s *MemorySource) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, key)
}

// Read implements Source.
func (s *MemorySource) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[key]
	if !ok {
		return nil, &NotFoundError{Source: s.Describe(), Key: key}
	}
	return append([]byte(nil), data...), nil
}

// List implements Source.
func (s *MemorySource) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.files))
	for k := range s.files {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Describe implements Source.
func (s *MemorySource) Describe() string {
	return "memory"
}
