// Package relationaltest provides an in-memory relational.Store.
package relationaltest

import (
	"context"
	"sync"
	"time"

	"github.com/SteelMorgan/allegedly/internal/domain"
)

// Memory keeps ops and cursors in maps with the same all-or-nothing
// semantics as the SQL stores.
type Memory struct {
	mu      sync.Mutex
	ops     map[domain.OpKey]domain.Op
	order   []domain.OpKey
	cursors map[string]domain.Cursor
	fail    []error
}

func NewMemory() *Memory {
	return &Memory{
		ops:     make(map[domain.OpKey]domain.Op),
		cursors: make(map[string]domain.Cursor),
	}
}

// FailNext makes the next len(errs) writes fail without effect.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = append(m.fail, errs...)
}

func (m *Memory) takeFailure() error {
	if len(m.fail) == 0 {
		return nil
	}
	err := m.fail[0]
	m.fail = m.fail[1:]
	return err
}

func (m *Memory) ApplyBatch(_ context.Context, stream string, ops []domain.Op, next domain.Cursor) (domain.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.cursors[stream]
	if err := m.takeFailure(); err != nil {
		return current, err
	}
	m.insert(domain.Batch{Ops: ops}.Trim(current))
	if current.Before(next) {
		m.cursors[stream] = next
		return next, nil
	}
	return current, nil
}

func (m *Memory) Cursor(_ context.Context, stream string) (domain.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[stream], nil
}

func (m *Memory) InsertOps(_ context.Context, ops []domain.Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.insert(ops)
	return nil
}

func (m *Memory) insert(ops []domain.Op) {
	for _, op := range ops {
		if _, ok := m.ops[op.Key()]; ok {
			continue
		}
		m.ops[op.Key()] = op
		m.order = append(m.order, op.Key())
	}
}

func (m *Memory) Latest(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for _, op := range m.ops {
		if op.CreatedAt.After(latest) {
			latest = op.CreatedAt
		}
	}
	return latest, nil
}

func (m *Memory) Close() error { return nil }

// Ops returns the stored ops in insertion order.
func (m *Memory) Ops() []domain.Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Op, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.ops[k])
	}
	return out
}

// Has reports whether an op with key k is stored.
func (m *Memory) Has(k domain.OpKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ops[k]
	return ok
}
