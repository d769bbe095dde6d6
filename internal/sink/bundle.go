package sink

import (
	"context"

	"github.com/SteelMorgan/allegedly/internal/bundle"
	"github.com/SteelMorgan/allegedly/internal/domain"
)

// Bundle archives ops through a bundle.Store, which it owns. The committed
// cursor is the end of the stream's last sealed bundle.
type Bundle struct {
	store *bundle.Store
}

func NewBundle(store *bundle.Store) *Bundle { return &Bundle{store: store} }

func (s *Bundle) Name() string { return KindBundle }

func (s *Bundle) Cursor(_ context.Context, stream string) (domain.Cursor, error) {
	return s.store.Cursor(stream), nil
}

func (s *Bundle) Apply(ctx context.Context, b domain.Batch) (domain.Cursor, error) {
	return s.store.Submit(ctx, b)
}

func (s *Bundle) Flush(ctx context.Context, stream string) (domain.Cursor, error) {
	return s.store.Flush(ctx, stream)
}

// Close seals every open buffer.
func (s *Bundle) Close() error { return s.store.Close() }
