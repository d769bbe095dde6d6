package offset

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/SteelMorgan/allegedly/internal/domain"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltDBStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewBoltDBStore() error = %v", err)
	}
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"bolt":   bolt,
		"memory": NewMemoryStore(),
	}
}

func TestStoreCursorLifecycle(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Get(ctx, "stdout", "tail")
			if err != nil || !got.IsZero() {
				t.Fatalf("Get() on empty store = %v, %v", got, err)
			}

			c1 := domain.Cursor{At: at, Boundary: []domain.OpKey{{Did: "did:plc:a", CID: "bafyA"}}}
			if err := s.Set(ctx, "stdout", "tail", c1); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if err := s.Set(ctx, "stdout", "tail", c1); err != nil {
				t.Errorf("Set(same) error = %v", err)
			}

			got, _ = s.Get(ctx, "stdout", "tail")
			if got.String() != c1.String() {
				t.Errorf("Get() = %q, want %q", got, c1)
			}

			err = s.Set(ctx, "stdout", "tail", domain.TimeCursor(at.Add(-time.Hour)))
			if !errors.Is(err, ErrRegression) {
				t.Errorf("regressing Set() error = %v, want ErrRegression", err)
			}

			all, _ := s.List(ctx)
			if _, ok := all["stdout:tail"]; !ok || len(all) != 1 {
				t.Errorf("List() = %v", all)
			}

			if err := s.Delete(ctx, "stdout", "tail"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			got, _ = s.Get(ctx, "stdout", "tail")
			if !got.IsZero() {
				t.Errorf("cursor survived Delete: %v", got)
			}
		})
	}
}

func TestStoreRanges(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			done, _ := s.RangeDone(ctx, "weeks", "1668643200")
			if done {
				t.Fatal("range done before marking")
			}
			if err := s.MarkRangeDone(ctx, "weeks", "1668643200"); err != nil {
				t.Fatal(err)
			}
			done, _ = s.RangeDone(ctx, "weeks", "1668643200")
			if !done {
				t.Error("range not done after marking")
			}
			other, _ := s.RangeDone(ctx, "seq", "1668643200")
			if other {
				t.Error("range marks leak across runs")
			}
		})
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := NewBoltDBStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "stdout", "tail", domain.SeqCursor(5000)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltDBStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, _ := s.Get(ctx, "stdout", "tail")
	if got.Seq != 5000 {
		t.Errorf("cursor after reopen = %v", got)
	}
}
