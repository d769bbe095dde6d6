package tail

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/ledger/ledgertest"
	"github.com/SteelMorgan/allegedly/internal/offset"
	"github.com/SteelMorgan/allegedly/internal/relational/relationaltest"
	"github.com/SteelMorgan/allegedly/internal/retry"
	"github.com/SteelMorgan/allegedly/internal/sink"
)

func testConfig() Config {
	return Config{
		PageSize:         100,
		QueueSize:        2,
		PollInterval:     time.Millisecond,
		StopWhenCaughtUp: true,
		UpstreamRetry: retry.Config{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		StorageRetry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   2,
		},
	}
}

func relationalSink(t *testing.T) (sink.Sink, *relationaltest.Memory) {
	t.Helper()
	mem := relationaltest.NewMemory()
	s, err := sink.Open(sink.KindRelational, sink.Deps{Relational: mem})
	if err != nil {
		t.Fatal(err)
	}
	return s, mem
}

func assertExactly(t *testing.T, got []domain.Op, want []domain.Op) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d ops, want %d", len(got), len(want))
	}
	seen := make(map[domain.OpKey]bool, len(got))
	for _, op := range got {
		if seen[op.Key()] {
			t.Fatalf("duplicate op %v", op.Key())
		}
		seen[op.Key()] = true
	}
	for _, op := range want {
		if !seen[op.Key()] {
			t.Fatalf("missing op %v", op.Key())
		}
	}
}

// slowSink delays every Apply.
type slowSink struct {
	sink.Sink
	delay time.Duration
}

func (s *slowSink) Apply(ctx context.Context, b domain.Batch) (domain.Cursor, error) {
	time.Sleep(s.delay)
	return s.Sink.Apply(ctx, b)
}

func (s *slowSink) Name() string { return "slow" }

// scriptedSink fails its first Apply calls with the given errors.
type scriptedSink struct {
	sink.Sink
	mu   sync.Mutex
	errs []error
}

func (s *scriptedSink) Apply(ctx context.Context, b domain.Batch) (domain.Cursor, error) {
	s.mu.Lock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		c, _ := s.Sink.Cursor(ctx, b.Stream)
		return c, err
	}
	s.mu.Unlock()
	return s.Sink.Apply(ctx, b)
}

// cancelAfter cancels the run once the sink has committed seq >= at.
type cancelAfter struct {
	sink.Sink
	at     uint64
	cancel context.CancelFunc
}

func (s *cancelAfter) Apply(ctx context.Context, b domain.Batch) (domain.Cursor, error) {
	c, err := s.Sink.Apply(ctx, b)
	if err == nil && c.Seq >= s.at {
		s.cancel()
	}
	return c, err
}

func TestEngineDeliversEverythingOnce(t *testing.T) {
	ops := ledgertest.Generate(1000)
	src := ledgertest.New(ops)
	s1, mem1 := relationalSink(t)
	s2, mem2 := relationalSink(t)

	e := New(src, []sink.Sink{s1, s2}, testConfig())
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertExactly(t, mem1.Ops(), ops)
	assertExactly(t, mem2.Ops(), ops)

	if e.LastCaughtUp().IsZero() {
		t.Error("LastCaughtUp not recorded")
	}
	for _, st := range e.Status() {
		if st.Committed.Seq != 1000 {
			t.Errorf("%s committed seq = %d, want 1000", st.Sink, st.Committed.Seq)
		}
	}
}

func TestEngineSlowSinkDoesNotBlockOthers(t *testing.T) {
	ops := ledgertest.Generate(2000)
	src := ledgertest.New(ops)
	fast, memFast := relationalSink(t)
	inner, memSlow := relationalSink(t)
	slow := &slowSink{Sink: inner, delay: 20 * time.Millisecond}

	cfg := testConfig()
	cfg.QueueSize = 1
	e := New(src, []sink.Sink{fast, slow}, cfg)
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertExactly(t, memFast.Ops(), ops)
	assertExactly(t, memSlow.Ops(), ops)

	for _, st := range e.Status() {
		if st.Sink == "slow" && st.Detaches == 0 {
			t.Error("slow sink was never detached")
		}
	}
}

func TestEngineRestartAfterKill(t *testing.T) {
	ops := ledgertest.Generate(10000)
	src := ledgertest.New(ops)
	var out bytes.Buffer
	offsets := offset.NewMemoryStore()
	stdout, err := sink.Open(sink.KindStdout, sink.Deps{Out: &out, Offsets: offsets})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.StopWhenCaughtUp = false
	first := New(src, []sink.Sink{&cancelAfter{Sink: stdout, at: 5000, cancel: cancel}}, cfg)
	if err := first.Run(ctx); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	committed, _ := stdout.Cursor(context.Background(), domain.TailStream)
	if committed.Seq < 5000 || committed.Seq == 10000 {
		t.Fatalf("first run committed seq %d", committed.Seq)
	}

	second := New(src, []sink.Sink{stdout}, testConfig())
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	var got []domain.Op
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		op, err := domain.ParseOp([]byte(line))
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, op)
	}
	assertExactly(t, got, ops)
	for i, op := range got {
		if op.Seq != uint64(i+1) {
			t.Fatalf("line %d has seq %d", i, op.Seq)
		}
	}
}

func TestEngineStartsFromConfiguredCursor(t *testing.T) {
	ops := ledgertest.Generate(300)
	s, mem := relationalSink(t)
	cfg := testConfig()
	cfg.Start = domain.SeqCursor(250)

	if err := New(ledgertest.New(ops), []sink.Sink{s}, cfg).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	assertExactly(t, mem.Ops(), ops[250:])
}

func TestEngineRetriesTransientUpstream(t *testing.T) {
	ops := ledgertest.Generate(50)
	src := ledgertest.New(ops)
	src.FailNext(
		errmodel.Transient("fetch", errors.New("502")),
		errmodel.TransientAfter("fetch", errors.New("429"), time.Millisecond),
		errmodel.Transient("fetch", errors.New("timeout")),
	)
	s, mem := relationalSink(t)

	if err := New(src, []sink.Sink{s}, testConfig()).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertExactly(t, mem.Ops(), ops)
}

// lateMalformedSource fails its first fetch with err after delay, so the
// failure lands once every worker is already waiting on its queue.
type lateMalformedSource struct {
	*ledgertest.Ledger
	delay time.Duration
	err   error
	once  sync.Once
}

func (s *lateMalformedSource) FetchBatch(ctx context.Context, cursor domain.Cursor, limit int) ([]domain.Op, domain.Cursor, error) {
	var first bool
	s.once.Do(func() { first = true })
	if first {
		time.Sleep(s.delay)
		return nil, cursor, s.err
	}
	return s.Ledger.FetchBatch(ctx, cursor, limit)
}

func TestEngineMalformedUpstream(t *testing.T) {
	malformed := func() error { return errmodel.Malformedf("decode op", "bad line") }

	t.Run("recovers from a single bad page", func(t *testing.T) {
		ops := ledgertest.Generate(300)
		src := ledgertest.New(ops)
		src.FailNext(malformed())
		s, mem := relationalSink(t)

		if err := New(src, []sink.Sink{s}, testConfig()).Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		assertExactly(t, mem.Ops(), ops)
	})

	t.Run("bad page after sinks are waiting", func(t *testing.T) {
		ops := ledgertest.Generate(300)
		src := &lateMalformedSource{Ledger: ledgertest.New(ops), delay: 50 * time.Millisecond, err: malformed()}
		s, mem := relationalSink(t)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := New(src, []sink.Sink{s}, testConfig()).Run(ctx); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		assertExactly(t, mem.Ops(), ops)
	})

	t.Run("gives up after repeated bad pages", func(t *testing.T) {
		src := ledgertest.New(ledgertest.Generate(10))
		src.FailNext(malformed(), malformed(), malformed(), malformed())
		s, _ := relationalSink(t)

		err := New(src, []sink.Sink{s}, testConfig()).Run(context.Background())
		if !errmodel.Is(err, errmodel.KindMalformedData) {
			t.Fatalf("Run() error = %v, want malformed", err)
		}
	})
}

func TestEngineSinkMalformedRestartsThatSink(t *testing.T) {
	ops := ledgertest.Generate(500)
	inner, mem := relationalSink(t)
	bad := &scriptedSink{Sink: inner, errs: []error{errmodel.Malformedf("apply", "rejected")}}
	other, memOther := relationalSink(t)

	if err := New(ledgertest.New(ops), []sink.Sink{bad, other}, testConfig()).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertExactly(t, mem.Ops(), ops)
	assertExactly(t, memOther.Ops(), ops)
}

func TestEngineStorageFailureIsFatalAndNamesSink(t *testing.T) {
	mem := relationaltest.NewMemory()
	s, _ := sink.Open(sink.KindRelational, sink.Deps{Relational: mem})
	storageErr := errmodel.Storage("apply batch", "tail", errors.New("disk full"))
	mem.FailNext(storageErr, storageErr, storageErr)

	err := New(ledgertest.New(ledgertest.Generate(10)), []sink.Sink{s}, testConfig()).Run(context.Background())
	if !errmodel.Is(err, errmodel.KindStorage) {
		t.Fatalf("Run() error = %v, want storage error", err)
	}
	if !strings.Contains(err.Error(), sink.KindRelational) {
		t.Errorf("error does not name the sink: %v", err)
	}
}

func TestEngineStorageFailureWithinBudgetRecovers(t *testing.T) {
	mem := relationaltest.NewMemory()
	s, _ := sink.Open(sink.KindRelational, sink.Deps{Relational: mem})
	mem.FailNext(errmodel.Storage("apply batch", "tail", errors.New("connection reset")))
	ops := ledgertest.Generate(10)

	if err := New(ledgertest.New(ops), []sink.Sink{s}, testConfig()).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertExactly(t, mem.Ops(), ops)
}

func TestEngineRequiresSinks(t *testing.T) {
	err := New(ledgertest.New(nil), nil, testConfig()).Run(context.Background())
	if !errmodel.Is(err, errmodel.KindConfiguration) {
		t.Errorf("Run() error = %v", err)
	}
}
