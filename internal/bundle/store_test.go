package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/ledger/ledgertest"
)

func openStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// twoWeeks returns n ops in the week of ledgertest.Start followed by m ops in
// the next week.
func twoWeeks(n, m int) []domain.Op {
	first := domain.WeekOf(ledgertest.Start)
	var ops []domain.Op
	for i := 1; i <= n; i++ {
		ops = append(ops, ledgertest.MakeOp(uint64(i), first.Start().Add(time.Duration(i)*time.Minute)))
	}
	for i := 1; i <= m; i++ {
		ops = append(ops, ledgertest.MakeOp(uint64(n+i), first.Next().Start().Add(time.Duration(i)*time.Minute)))
	}
	return ops
}

func readAll(t *testing.T, s *Store) []domain.Op {
	t.Helper()
	m, err := LoadManifest(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	var all []domain.Op
	for _, e := range m.Entries() {
		ops, err := ReadFile(filepath.Join(s.Dir(), e.Name))
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", e.Name, err)
		}
		if len(ops) != e.Count {
			t.Errorf("%s holds %d ops, manifest says %d", e.Name, len(ops), e.Count)
		}
		all = append(all, ops...)
	}
	return all
}

func TestStoreSealsOnWeekBoundary(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{})
	ops := twoWeeks(5, 3)

	got, err := s.Submit(ctx, domain.Batch{Stream: domain.TailStream, Ops: ops})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got.Seq != 5 {
		t.Errorf("durable cursor seq = %d, want 5 (end of first week)", got.Seq)
	}

	got, err = s.Flush(ctx, domain.TailStream)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got.Seq != 8 {
		t.Errorf("cursor after flush seq = %d, want 8", got.Seq)
	}

	first := domain.WeekOf(ops[0].CreatedAt)
	for _, name := range []string{first.FileName(), first.Next().FileName()} {
		if _, err := os.Stat(filepath.Join(s.Dir(), name)); err != nil {
			t.Errorf("expected bundle %s: %v", name, err)
		}
	}

	all := readAll(t, s)
	if len(all) != len(ops) {
		t.Fatalf("read %d ops, want %d", len(all), len(ops))
	}
	for i := range ops {
		if string(all[i].Line()) != string(ops[i].Line()) {
			t.Errorf("op %d bytes differ", i)
		}
	}
}

func TestStoreSplitsPartsOnThreshold(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{MaxOps: 10})
	ops := twoWeeks(25, 0)

	got, err := s.Submit(ctx, domain.Batch{Stream: domain.TailStream, Ops: ops})
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != 20 {
		t.Errorf("cursor seq = %d, want 20", got.Seq)
	}
	if _, err := s.Flush(ctx, domain.TailStream); err != nil {
		t.Fatal(err)
	}

	week := domain.WeekOf(ops[0].CreatedAt)
	m, _ := LoadManifest(s.Dir())
	entries := m.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d bundles, want 3", len(entries))
	}
	for part, e := range entries {
		if want := domain.PartName(week, part); e.Name != want {
			t.Errorf("bundle %d = %s, want %s", part, e.Name, want)
		}
	}
	if entries[2].Count != 5 {
		t.Errorf("last part has %d ops, want 5", entries[2].Count)
	}
}

func TestStoreIgnoresResubmittedOps(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{})
	ops := ledgertest.Unsequenced(twoWeeks(6, 0))

	for i := 0; i < 3; i++ {
		if _, err := s.Submit(ctx, domain.Batch{Stream: domain.TailStream, Ops: ops[:4]}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Submit(ctx, domain.Batch{Stream: domain.TailStream, Ops: ops[2:]}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(ctx, domain.TailStream); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s); len(got) != 6 {
		t.Errorf("read %d ops, want 6", len(got))
	}
}

func TestStoreRecoversAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ops := twoWeeks(4, 4)

	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(ctx, domain.Batch{Stream: domain.TailStream, Ops: ops[:6]}); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: the partial second week is lost, a temp file remains.
	os.WriteFile(filepath.Join(dir, "leftover.jsonl.gz.tmp"), []byte("junk"), 0o644)
	s.buffers = map[string]*buffer{}
	s.Close()

	s = openStore(t, Config{Dir: dir})
	if _, err := os.Stat(filepath.Join(dir, "leftover.jsonl.gz.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file survived reopen: %v", err)
	}
	c := s.Cursor(domain.TailStream)
	if c.Seq != 4 {
		t.Fatalf("recovered cursor seq = %d, want 4", c.Seq)
	}

	if _, err := s.Submit(ctx, domain.Batch{Stream: domain.TailStream, Ops: ops}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s); len(got) != len(ops) {
		t.Errorf("read %d ops, want %d", len(got), len(ops))
	}
	problems, err := Verify(dir)
	if err != nil || len(problems) != 0 {
		t.Errorf("Verify() = %v, %v", problems, err)
	}
}

func TestStoreStreamsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{})
	ops := twoWeeks(3, 0)

	if _, err := s.Submit(ctx, domain.Batch{Stream: domain.BackfillStream("a"), Ops: ops}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(ctx, domain.BackfillStream("a")); err != nil {
		t.Fatal(err)
	}
	if c := s.Cursor(domain.TailStream); !c.IsZero() {
		t.Errorf("tail cursor moved by another stream: %v", c)
	}
}

func TestStoreRefusesExistingBundle(t *testing.T) {
	ctx := context.Background()
	ops := twoWeeks(2, 0)
	name := domain.WeekOf(ops[0].CreatedAt).FileName()

	tests := []struct {
		name    string
		clobber bool
		wantErr bool
	}{
		{"without clobber", false, true},
		{"with clobber", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			os.WriteFile(filepath.Join(dir, name), []byte("someone else's"), 0o644)
			s := openStore(t, Config{Dir: dir, Clobber: tt.clobber})

			s.Submit(ctx, domain.Batch{Stream: domain.TailStream, Ops: ops})
			_, err := s.Flush(ctx, domain.TailStream)
			if tt.wantErr {
				if !errmodel.Is(err, errmodel.KindStorage) || !strings.Contains(err.Error(), "clobber") {
					t.Errorf("Flush() error = %v, want storage error", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Flush() error = %v", err)
			}
		})
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{})
	ops := twoWeeks(3, 3)
	s.Submit(ctx, domain.Batch{Stream: domain.TailStream, Ops: ops})
	s.Flush(ctx, domain.TailStream)

	name := domain.WeekOf(ops[0].CreatedAt).FileName()
	f, err := os.OpenFile(filepath.Join(s.Dir(), name), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("x"))
	f.Close()

	problems, err := Verify(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(problems) != 1 || problems[0].Name != name {
		t.Errorf("Verify() = %v, want checksum mismatch on %s", problems, name)
	}
}

func TestParseManifestIgnoresTornTail(t *testing.T) {
	in := `{"name":"a.jsonl.gz","stream":"tail","week":1668643200}` + "\n" + `{"name":"b.js`
	entries, err := ParseManifest(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.jsonl.gz" {
		t.Errorf("entries = %v", entries)
	}

	_, err = ParseManifest(strings.NewReader("garbage\n{}\n"))
	if !errmodel.Is(err, errmodel.KindMalformedData) {
		t.Errorf("corrupt manifest error = %v", err)
	}
}

func TestDirOpen(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "x.jsonl.gz"), []byte("data"), 0o644)

	d := Dir{Path: dir}
	rc, err := d.Open(context.Background(), "x.jsonl.gz")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	rc.Close()

	if _, err := d.Open(context.Background(), "missing.jsonl.gz"); !errors.Is(err, errmodel.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
}
