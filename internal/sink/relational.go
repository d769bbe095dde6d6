package sink

import (
	"context"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/relational"
)

// Relational writes each batch and its cursor in one transaction.
type Relational struct {
	store relational.Store
}

func NewRelational(store relational.Store) *Relational { return &Relational{store: store} }

func (s *Relational) Name() string { return KindRelational }

func (s *Relational) Cursor(ctx context.Context, stream string) (domain.Cursor, error) {
	return s.store.Cursor(ctx, stream)
}

func (s *Relational) Apply(ctx context.Context, b domain.Batch) (domain.Cursor, error) {
	return s.store.ApplyBatch(ctx, b.Stream, b.Ops, b.Next)
}

func (s *Relational) Flush(ctx context.Context, stream string) (domain.Cursor, error) {
	return s.store.Cursor(ctx, stream)
}

func (s *Relational) Close() error { return s.store.Close() }
