package offset

import (
	"context"
	"errors"

	"github.com/SteelMorgan/allegedly/internal/domain"
)

// ErrRegression is returned when a write would move a cursor backwards.
var ErrRegression = errors.New("cursor would regress")

// Store persists per-sink, per-stream cursors and backfill range completion.
// Implementations: BoltDB (primary), in-memory (runs without --state)
type Store interface {
	// Get retrieves the cursor of a stream for a sink
	// Returns the zero cursor if none is stored
	Get(ctx context.Context, sink, stream string) (domain.Cursor, error)

	// Set stores the cursor; an equal cursor is a no-op, an earlier one fails
	Set(ctx context.Context, sink, stream string, c domain.Cursor) error

	// Delete removes the cursor of a stream
	Delete(ctx context.Context, sink, stream string) error

	// List returns all stored cursors keyed by "sink:stream"
	List(ctx context.Context) (map[string]domain.Cursor, error)

	// MarkRangeDone records that a backfill range finished
	MarkRangeDone(ctx context.Context, run, rangeID string) error

	// RangeDone reports whether a backfill range finished in an earlier run
	RangeDone(ctx context.Context, run, rangeID string) (bool, error)

	// Close closes the store
	Close() error
}

// makeKey creates a composite key from sink and stream
func makeKey(sink, stream string) string {
	return sink + ":" + stream
}
