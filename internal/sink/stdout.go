package sink

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/offset"
)

// Stdout writes each op as one upstream JSON line. Its cursors live in an
// offset.Store; a batch replayed before its cursor was stored is printed
// again.
type Stdout struct {
	mu      sync.Mutex
	w       *bufio.Writer
	offsets offset.Store
}

func NewStdout(w io.Writer, offsets offset.Store) *Stdout {
	return &Stdout{w: bufio.NewWriterSize(w, 256*1024), offsets: offsets}
}

func (s *Stdout) Name() string { return KindStdout }

func (s *Stdout) Cursor(ctx context.Context, stream string) (domain.Cursor, error) {
	c, err := s.offsets.Get(ctx, KindStdout, stream)
	if err != nil {
		return domain.Cursor{}, errmodel.Storage("read cursor", stream, err)
	}
	return c, nil
}

func (s *Stdout) Apply(ctx context.Context, b domain.Batch) (domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Cursor(ctx, b.Stream)
	if err != nil {
		return current, err
	}
	for _, op := range b.Trim(current) {
		if _, err := s.w.Write(op.Line()); err != nil {
			return current, errmodel.Storage("write op", b.Stream, err)
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return current, errmodel.Storage("write op", b.Stream, err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return current, errmodel.Storage("flush output", b.Stream, err)
	}

	if !current.Before(b.Next) {
		return current, nil
	}
	if err := s.offsets.Set(ctx, KindStdout, b.Stream, b.Next); err != nil {
		if errors.Is(err, offset.ErrRegression) {
			return s.Cursor(ctx, b.Stream)
		}
		return current, errmodel.Storage("store cursor", b.Stream, err)
	}
	return b.Next, nil
}

func (s *Stdout) Flush(ctx context.Context, stream string) (domain.Cursor, error) {
	return s.Cursor(ctx, stream)
}

func (s *Stdout) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}
