package sink

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SteelMorgan/allegedly/internal/bundle"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/ledger/ledgertest"
	"github.com/SteelMorgan/allegedly/internal/offset"
	"github.com/SteelMorgan/allegedly/internal/relational/relationaltest"
)

// replayBatches cuts ops into overlapping batches that each start at or
// before the previous batch's end, and mixes in replays of earlier batches.
func replayBatches(ops []domain.Op, seed int64) []domain.Batch {
	rng := rand.New(rand.NewSource(seed))
	var out []domain.Batch
	pos := 0
	for pos < len(ops) {
		start := rng.Intn(pos + 1)
		end := pos + 1 + rng.Intn(8)
		if end > len(ops) {
			end = len(ops)
		}
		b := domain.Batch{
			Stream: domain.TailStream,
			Ops:    ops[start:end],
			Next:   domain.Cursor{}.Advance(ops[:end]),
		}
		out = append(out, b)
		if len(out) > 1 && rng.Intn(3) == 0 {
			out = append(out, out[rng.Intn(len(out)-1)])
		}
		pos = end
	}
	return out
}

type harness struct {
	sink   Sink
	stored func(t *testing.T) []domain.Op
}

func harnesses(t *testing.T) map[string]func(t *testing.T) harness {
	return map[string]func(t *testing.T) harness{
		KindStdout: func(t *testing.T) harness {
			var buf bytes.Buffer
			s, err := Open(KindStdout, Deps{Out: &buf, Offsets: offset.NewMemoryStore()})
			if err != nil {
				t.Fatal(err)
			}
			return harness{sink: s, stored: func(t *testing.T) []domain.Op {
				var ops []domain.Op
				for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
					op, err := domain.ParseOp([]byte(line))
					if err != nil {
						t.Fatalf("bad output line %q: %v", line, err)
					}
					ops = append(ops, op)
				}
				return ops
			}}
		},
		KindBundle: func(t *testing.T) harness {
			dir := t.TempDir()
			store, err := bundle.Open(bundle.Config{Dir: dir})
			if err != nil {
				t.Fatal(err)
			}
			s, err := Open(KindBundle, Deps{Bundles: store})
			if err != nil {
				t.Fatal(err)
			}
			return harness{sink: s, stored: func(t *testing.T) []domain.Op {
				m, err := bundle.LoadManifest(dir)
				if err != nil {
					t.Fatal(err)
				}
				var ops []domain.Op
				for _, e := range m.Entries() {
					got, err := bundle.ReadFile(filepath.Join(dir, e.Name))
					if err != nil {
						t.Fatal(err)
					}
					ops = append(ops, got...)
				}
				return ops
			}}
		},
		KindRelational: func(t *testing.T) harness {
			mem := relationaltest.NewMemory()
			s, err := Open(KindRelational, Deps{Relational: mem})
			if err != nil {
				t.Fatal(err)
			}
			return harness{sink: s, stored: func(t *testing.T) []domain.Op { return mem.Ops() }}
		},
	}
}

func TestSinksAreIdempotentUnderReplay(t *testing.T) {
	ctx := context.Background()
	inputs := map[string][]domain.Op{
		"seq":       ledgertest.Generate(60),
		"timestamp": ledgertest.Unsequenced(ledgertest.Generate(60)),
	}

	for kind, build := range harnesses(t) {
		for mode, ops := range inputs {
			for seed := int64(1); seed <= 3; seed++ {
				t.Run(kind+"/"+mode, func(t *testing.T) {
					h := build(t)
					var committed domain.Cursor
					for i, b := range replayBatches(ops, seed) {
						c, err := h.sink.Apply(ctx, b)
						if err != nil {
							t.Fatalf("batch %d: Apply() error = %v", i, err)
						}
						if c.Before(committed) {
							t.Fatalf("batch %d: cursor regressed", i)
						}
						committed = c
					}
					final, err := h.sink.Flush(ctx, domain.TailStream)
					if err != nil {
						t.Fatalf("Flush() error = %v", err)
					}
					if !final.Equal(domain.Cursor{}.Advance(ops)) {
						t.Errorf("final cursor = %v, want end of input", final)
					}
					if err := h.sink.Close(); err != nil {
						t.Fatalf("Close() error = %v", err)
					}

					got := h.stored(t)
					if len(got) != len(ops) {
						t.Fatalf("stored %d ops, want %d", len(got), len(ops))
					}
					seen := make(map[domain.OpKey]bool)
					for _, op := range got {
						if seen[op.Key()] {
							t.Errorf("duplicate %v", op.Key())
						}
						seen[op.Key()] = true
					}
				})
			}
		}
	}
}

func TestSinkCursorsArePerStream(t *testing.T) {
	ctx := context.Background()
	ops := ledgertest.Generate(10)

	for kind, build := range harnesses(t) {
		t.Run(kind, func(t *testing.T) {
			h := build(t)
			defer h.sink.Close()
			b := domain.Batch{Stream: domain.BackfillStream("r1"), Ops: ops, Next: domain.Cursor{}.Advance(ops)}
			if _, err := h.sink.Apply(ctx, b); err != nil {
				t.Fatal(err)
			}
			if _, err := h.sink.Flush(ctx, b.Stream); err != nil {
				t.Fatal(err)
			}
			tail, err := h.sink.Cursor(ctx, domain.TailStream)
			if err != nil || !tail.IsZero() {
				t.Errorf("tail cursor = %v, %v; want zero", tail, err)
			}
			r1, _ := h.sink.Cursor(ctx, b.Stream)
			if r1.Seq != 10 {
				t.Errorf("range cursor seq = %d, want 10", r1.Seq)
			}
		})
	}
}

func TestRelationalFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	mem := relationaltest.NewMemory()
	s, _ := Open(KindRelational, Deps{Relational: mem})
	ops := ledgertest.Generate(5)

	mem.FailNext(errmodel.Storage("apply batch", "tail", errors.New("connection reset")))
	_, err := s.Apply(ctx, domain.Batch{Stream: domain.TailStream, Ops: ops, Next: domain.Cursor{}.Advance(ops)})
	if !errmodel.Is(err, errmodel.KindStorage) {
		t.Fatalf("Apply() error = %v, want storage error", err)
	}
	if !strings.Contains(err.Error(), KindRelational) {
		t.Errorf("error does not name the sink: %v", err)
	}
	if len(mem.Ops()) != 0 {
		t.Errorf("failed batch left %d ops", len(mem.Ops()))
	}
	if c, _ := s.Cursor(ctx, domain.TailStream); !c.IsZero() {
		t.Errorf("failed batch moved cursor to %v", c)
	}
}

func TestOpenValidatesDeps(t *testing.T) {
	tests := []struct {
		kind string
		deps Deps
	}{
		{KindStdout, Deps{}},
		{KindBundle, Deps{}},
		{KindRelational, Deps{}},
		{"kafka", Deps{}},
	}
	for _, tt := range tests {
		if _, err := Open(tt.kind, tt.deps); !errmodel.Is(err, errmodel.KindConfiguration) {
			t.Errorf("Open(%q) error = %v, want configuration error", tt.kind, err)
		}
	}
}
