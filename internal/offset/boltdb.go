package offset

import (
	"context"
	"fmt"
	"time"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

var (
	cursorBucket = []byte("cursors")
	rangeBucket  = []byte("ranges")
)

// BoltDBStore implements Store using BoltDB
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore creates a new BoltDB cursor store
func NewBoltDBStore(dbPath string) (*BoltDBStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// A locked file means another allegedly process holds it.
		return nil, errmodel.Storage("open state", dbPath, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err))
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{cursorBucket, rangeBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errmodel.Storage("open state", dbPath, fmt.Errorf("failed to create buckets: %w", err))
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB cursor store initialized")

	return &BoltDBStore{db: db}, nil
}

// Get retrieves the cursor of a stream for a sink
func (s *BoltDBStore) Get(ctx context.Context, sink, stream string) (domain.Cursor, error) {
	var c domain.Cursor

	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(cursorBucket).Get([]byte(makeKey(sink, stream)))
		if val == nil {
			return nil
		}
		var err error
		c, err = domain.ParseCursor(string(val))
		return err
	})
	if err != nil {
		return domain.Cursor{}, errmodel.Storage("get cursor", makeKey(sink, stream), err)
	}
	return c, nil
}

// Set stores the cursor of a stream for a sink
func (s *BoltDBStore) Set(ctx context.Context, sink, stream string, c domain.Cursor) error {
	key := []byte(makeKey(sink, stream))

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cursorBucket)
		if prev := b.Get(key); prev != nil {
			old, err := domain.ParseCursor(string(prev))
			if err != nil {
				return err
			}
			if c.Before(old) {
				return fmt.Errorf("%w: %s -> %s", ErrRegression, old, c)
			}
		}
		return b.Put(key, []byte(c.String()))
	})
	if err != nil {
		return errmodel.Storage("set cursor", string(key), err)
	}

	log.Debug().
		Str("sink", sink).
		Str("stream", stream).
		Str("cursor", c.String()).
		Msg("Cursor updated")

	return nil
}

// Delete removes the cursor of a stream
func (s *BoltDBStore) Delete(ctx context.Context, sink, stream string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cursorBucket).Delete([]byte(makeKey(sink, stream)))
	})
	if err != nil {
		return errmodel.Storage("delete cursor", makeKey(sink, stream), err)
	}
	return nil
}

// List returns all stored cursors
func (s *BoltDBStore) List(ctx context.Context) (map[string]domain.Cursor, error) {
	result := make(map[string]domain.Cursor)

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(cursorBucket).ForEach(func(k, v []byte) error {
			c, err := domain.ParseCursor(string(v))
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			result[string(k)] = c
			return nil
		})
	})
	if err != nil {
		return nil, errmodel.Storage("list cursors", "", err)
	}
	return result, nil
}

// MarkRangeDone records that a backfill range finished
func (s *BoltDBStore) MarkRangeDone(ctx context.Context, run, rangeID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(rangeBucket).Put([]byte(makeKey(run, rangeID)), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return errmodel.Storage("mark range", rangeID, err)
	}
	return nil
}

// RangeDone reports whether a backfill range finished earlier
func (s *BoltDBStore) RangeDone(ctx context.Context, run, rangeID string) (bool, error) {
	var done bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		done = tx.Bucket(rangeBucket).Get([]byte(makeKey(run, rangeID))) != nil
		return nil
	})
	if err != nil {
		return false, errmodel.Storage("check range", rangeID, err)
	}
	return done, nil
}

// Close closes the BoltDB database
func (s *BoltDBStore) Close() error {
	log.Info().Msg("Closing BoltDB cursor store")
	return s.db.Close()
}
