// Package relational persists ops and per-stream cursors in a SQL database.
package relational

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
)

// Store is a relational op store. ApplyBatch writes ops and the stream's
// cursor together: after it returns nil both are durable, after an error
// neither is observable.
type Store interface {
	// ApplyBatch inserts ops (ignoring keys already present) and advances
	// the stream's cursor to next. It returns the committed cursor, which
	// never moves backwards.
	ApplyBatch(ctx context.Context, stream string, ops []domain.Op, next domain.Cursor) (domain.Cursor, error)

	// Cursor returns the committed cursor of stream, or the zero cursor.
	Cursor(ctx context.Context, stream string) (domain.Cursor, error)

	// InsertOps inserts ops without touching any cursor.
	InsertOps(ctx context.Context, ops []domain.Op) error

	// Latest returns the newest createdAt stored, or the zero time.
	Latest(ctx context.Context) (time.Time, error)

	Close() error
}

// Options tune Open.
type Options struct {
	// InitSchema creates the ops tables as well as the cursor table.
	InitSchema bool
}

// Open connects to the store named by dsn. The scheme selects the backend:
// postgres:// or postgresql:// for Postgres, clickhouse:// for ClickHouse.
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return nil, errmodel.Configf("invalid database url (expected postgres:// or clickhouse://)")
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn, opts)
	case "clickhouse":
		return OpenClickHouse(ctx, dsn, opts)
	default:
		return nil, errmodel.Configf("unsupported database scheme %q", u.Scheme)
	}
}

// Redact hides the password of a DSN for logging.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
