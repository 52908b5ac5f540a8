package repository

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps documents in a map. Used by tests and STORAGE_TYPE=memory.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]string
	writes map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]string),
		writes: make(map[string]int),
	}
}

func (s *MemoryStore) Write(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = content
	s.writes[path]++
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.docs[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return content, nil
}

// Writes returns how many times path was written.
func (s *MemoryStore) Writes(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[path]
}
