package offset

import (
	"context"
	"fmt"
	"sync"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
)

// MemoryStore keeps cursors for the lifetime of the process.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]domain.Cursor
	ranges  map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors: make(map[string]domain.Cursor),
		ranges:  make(map[string]bool),
	}
}

func (s *MemoryStore) Get(ctx context.Context, sink, stream string) (domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[makeKey(sink, stream)], nil
}

func (s *MemoryStore) Set(ctx context.Context, sink, stream string, c domain.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := makeKey(sink, stream)
	if old, ok := s.cursors[key]; ok && c.Before(old) {
		return errmodel.Storage("set cursor", key, fmt.Errorf("%w: %s -> %s", ErrRegression, old, c))
	}
	s.cursors[key] = c
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sink, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, makeKey(sink, stream))
	return nil
}

func (s *MemoryStore) List(ctx context.Context) (map[string]domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Cursor, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) MarkRangeDone(ctx context.Context, run, rangeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges[makeKey(run, rangeID)] = true
	return nil
}

func (s *MemoryStore) RangeDone(ctx context.Context, run, rangeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranges[makeKey(run, rangeID)], nil
}

func (s *MemoryStore) Close() error { return nil }
