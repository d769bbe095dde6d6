// Package tail follows the ledger live and fans pages out to sinks.
package tail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SteelMorgan/allegedly/internal/clock"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/ledger"
	"github.com/SteelMorgan/allegedly/internal/observability"
	"github.com/SteelMorgan/allegedly/internal/retry"
	"github.com/SteelMorgan/allegedly/internal/sink"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Source is the upstream ledger.
type Source interface {
	FetchBatch(ctx context.Context, cursor domain.Cursor, limit int) ([]domain.Op, domain.Cursor, error)
}

// Config tunes an Engine. Zero values select the defaults.
type Config struct {
	PageSize     int           // ops per fetch, default ledger.MaxPageSize
	QueueSize    int           // pages buffered per sink, default 8
	HighWater    int           // reader pauses while the fastest sink holds this many pages, default QueueSize/2
	PollInterval time.Duration // wait after a short page, default 5s

	// Start is used for sinks that have no cursor yet.
	Start domain.Cursor

	// StopWhenCaughtUp makes Run return once a page shorter than
	// CaughtUpBelow ops has been read and applied by every sink.
	StopWhenCaughtUp bool
	CaughtUpBelow    int // default 90% of PageSize

	MaxMalformedRestarts int // default 3

	UpstreamRetry retry.Config
	StorageRetry  retry.Config
	Clock         clock.Clock
	Metrics       *observability.Metrics
}

func (c *Config) setDefaults() {
	if c.PageSize <= 0 || c.PageSize > ledger.MaxPageSize {
		c.PageSize = ledger.MaxPageSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 8
	}
	if c.HighWater <= 0 || c.HighWater > c.QueueSize {
		c.HighWater = max(1, c.QueueSize/2)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.CaughtUpBelow <= 0 {
		c.CaughtUpBelow = c.PageSize * 9 / 10
	}
	if c.MaxMalformedRestarts <= 0 {
		c.MaxMalformedRestarts = 3
	}
	if c.UpstreamRetry.InitialDelay == 0 {
		c.UpstreamRetry = retry.ForeverConfig("tail fetch")
	}
	if c.StorageRetry.InitialDelay == 0 {
		c.StorageRetry = retry.StorageConfig()
	}
	c.Clock = clock.Or(c.Clock)
	c.UpstreamRetry.Clock = c.Clock
	c.StorageRetry.Clock = c.Clock
}

// Engine runs one upstream reader and one worker per sink. Each worker owns
// its sink's cursor; a slow worker is detached instead of blocking the
// reader, catches up on its own and rejoins.
type Engine struct {
	cfg     Config
	src     Source
	workers []*worker

	mu           sync.Mutex
	head         domain.Cursor // position after the last broadcast page
	lastCaughtUp time.Time
	target       domain.Cursor // set before finished is closed

	progress chan struct{}
	finished chan struct{}
}

type worker struct {
	sink  sink.Sink
	queue chan domain.Batch
	kick  chan struct{} // wakes a worker parked on its queue

	// guarded by Engine.mu
	attached  bool
	restart   bool
	committed domain.Cursor
	applied   domain.Cursor
	detaches  int

	// owned by the worker goroutine
	position  domain.Cursor
	malformed int
}

// SinkStatus is a snapshot of one sink's progress.
type SinkStatus struct {
	Sink      string
	Committed domain.Cursor
	Applied   domain.Cursor
	Attached  bool
	Queued    int
	Detaches  int
	Lag       time.Duration
}

func New(src Source, sinks []sink.Sink, cfg Config) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:      cfg,
		src:      src,
		progress: make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
	for _, s := range sinks {
		e.workers = append(e.workers, &worker{
			sink:  s,
			queue: make(chan domain.Batch, cfg.QueueSize),
			kick:  make(chan struct{}, 1),
		})
	}
	return e
}

// Run tails until ctx is cancelled, a fatal error occurs, or, with
// StopWhenCaughtUp, every sink has caught up. Cancellation is not an error.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.workers) == 0 {
		return errmodel.Configf("tail needs at least one sink")
	}

	var positions []domain.Cursor
	for _, w := range e.workers {
		c, err := w.sink.Cursor(ctx, domain.TailStream)
		if err != nil {
			return fmt.Errorf("sink %s: %w", w.sink.Name(), err)
		}
		if c.IsZero() {
			c = e.cfg.Start
		}
		w.position = c
		w.committed = c
		w.applied = c
		w.attached = true
		positions = append(positions, c)
		log.Info().Str("sink", w.sink.Name()).Str("cursor", c.String()).Msg("Sink starting")
	}
	e.head = domain.Min(positions...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.read(gctx) })
	for _, w := range e.workers {
		w := w
		g.Go(func() error { return e.work(gctx, w) })
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Status reports every sink's progress.
func (e *Engine) Status() []SinkStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.cfg.Clock.Now()
	out := make([]SinkStatus, 0, len(e.workers))
	for _, w := range e.workers {
		st := SinkStatus{
			Sink:      w.sink.Name(),
			Committed: w.committed,
			Applied:   w.applied,
			Attached:  w.attached,
			Queued:    len(w.queue),
			Detaches:  w.detaches,
		}
		if !w.committed.At.IsZero() {
			st.Lag = now.Sub(w.committed.At)
		}
		out = append(out, st)
	}
	return out
}

// LastCaughtUp is when the reader last saw a short page, or zero.
func (e *Engine) LastCaughtUp() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCaughtUp
}

func (e *Engine) read(ctx context.Context) error {
	restarts := 0
	for {
		if err := e.waitForRoom(ctx); err != nil {
			return err
		}

		e.mu.Lock()
		cursor := e.head
		e.mu.Unlock()

		ops, next, err := e.fetch(ctx, cursor)
		if errmodel.Is(err, errmodel.KindMalformedData) {
			restarts++
			if restarts > e.cfg.MaxMalformedRestarts {
				return fmt.Errorf("upstream returned malformed data %d times in a row: %w", restarts, err)
			}
			log.Warn().Err(err).Int("restart", restarts).Msg("Malformed upstream page, restarting all sinks from their cursors")
			e.restartAll()
			continue
		}
		if err != nil {
			return err
		}
		restarts = 0

		if len(ops) > 0 {
			e.broadcast(domain.Batch{Stream: domain.TailStream, Ops: ops, Next: next})
		}
		if len(ops) >= e.cfg.CaughtUpBelow {
			continue
		}

		e.mu.Lock()
		e.lastCaughtUp = e.cfg.Clock.Now()
		e.mu.Unlock()
		if e.cfg.StopWhenCaughtUp {
			e.mu.Lock()
			e.target = next
			e.mu.Unlock()
			close(e.finished)
			log.Info().Str("cursor", next.String()).Msg("Caught up with upstream")
			return nil
		}
		if err := retry.Sleep(ctx, e.cfg.Clock, e.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// fetch retries transient upstream failures forever with backoff.
func (e *Engine) fetch(ctx context.Context, cursor domain.Cursor) ([]domain.Op, domain.Cursor, error) {
	backoff := retry.NewBackoff(e.cfg.UpstreamRetry)
	for attempt := 1; ; attempt++ {
		ops, next, err := e.src.FetchBatch(ctx, cursor, e.cfg.PageSize)
		if err == nil {
			return ops, next, nil
		}
		if ctx.Err() != nil {
			return nil, cursor, ctx.Err()
		}
		if !errmodel.Is(err, errmodel.KindTransientUpstream) {
			return nil, cursor, err
		}
		d := backoff.Next(err)
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", d).Msg("Upstream fetch failed, retrying")
		if err := retry.Sleep(ctx, e.cfg.Clock, d); err != nil {
			return nil, cursor, err
		}
	}
}

// waitForRoom blocks while no sink is attached or the fastest attached sink
// is at the high-water mark.
func (e *Engine) waitForRoom(ctx context.Context) error {
	for {
		e.mu.Lock()
		depth := -1
		for _, w := range e.workers {
			if w.attached && (depth < 0 || len(w.queue) < depth) {
				depth = len(w.queue)
			}
		}
		e.mu.Unlock()
		if depth >= 0 && depth < e.cfg.HighWater {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.progress:
		case <-e.cfg.Clock.After(e.cfg.PollInterval):
		}
	}
}

// broadcast hands b to every attached sink. A sink whose queue is full is
// detached and will fetch b itself.
func (e *Engine) broadcast(b domain.Batch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.workers {
		if !w.attached {
			continue
		}
		select {
		case w.queue <- b:
			e.cfg.Metrics.Queue(w.sink.Name(), len(w.queue))
		default:
			w.attached = false
			w.detaches++
			log.Warn().Str("sink", w.sink.Name()).Msg("Sink fell behind, detaching")
		}
	}
	e.head = b.Next
}

// restartAll detaches every sink and rewinds the reader to the earliest
// committed cursor. Workers reload their cursor before continuing.
func (e *Engine) restartAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	var committed []domain.Cursor
	for _, w := range e.workers {
		w.attached = false
		w.restart = true
		committed = append(committed, w.committed)
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	e.head = domain.Min(committed...)
}

func (e *Engine) signal() {
	select {
	case e.progress <- struct{}{}:
	default:
	}
}

func (e *Engine) work(ctx context.Context, w *worker) error {
	for {
		if err := e.maybeRestart(ctx, w); err != nil {
			return err
		}

		e.mu.Lock()
		attached := w.attached
		e.mu.Unlock()

		var err error
		if attached {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case b := <-w.queue:
				err = e.apply(ctx, w, b)
			case <-w.kick:
			case <-e.finished:
				if len(w.queue) == 0 {
					return e.finish(ctx, w)
				}
			}
		} else {
			select {
			case b := <-w.queue:
				err = e.apply(ctx, w, b)
			default:
				var done bool
				done, err = e.catchUp(ctx, w)
				if done {
					return e.finish(ctx, w)
				}
			}
		}

		if errmodel.Is(err, errmodel.KindMalformedData) {
			w.malformed++
			if w.malformed > e.cfg.MaxMalformedRestarts {
				return fmt.Errorf("sink %s rejected data %d times in a row: %w", w.sink.Name(), w.malformed, err)
			}
			log.Warn().Err(err).Str("sink", w.sink.Name()).Msg("Sink rejected batch, restarting it from its cursor")
			e.mu.Lock()
			w.attached = false
			w.restart = true
			e.mu.Unlock()
			continue
		}
		if err != nil {
			return err
		}
	}
}

// maybeRestart discards queued pages and reloads the sink cursor when a
// restart was requested.
func (e *Engine) maybeRestart(ctx context.Context, w *worker) error {
	e.mu.Lock()
	restart := w.restart
	w.restart = false
	if restart {
		w.attached = false
	}
	e.mu.Unlock()
	if !restart {
		return nil
	}

	for len(w.queue) > 0 {
		<-w.queue
	}
	c, err := w.sink.Cursor(ctx, domain.TailStream)
	if err != nil {
		return fmt.Errorf("sink %s: %w", w.sink.Name(), err)
	}
	if c.IsZero() {
		c = e.cfg.Start
	}
	w.position = c
	e.mu.Lock()
	w.applied = c
	e.mu.Unlock()
	return nil
}

// catchUp fetches one page from the worker's own position and rejoins the
// broadcast once it is no longer behind. It reports done when the engine is
// finishing and the worker has reached the target.
func (e *Engine) catchUp(ctx context.Context, w *worker) (bool, error) {
	if done, err := e.tryAttach(w); done || err != nil {
		return done, err
	}

	ops, next, err := e.fetch(ctx, w.position)
	if err != nil {
		return false, err
	}
	if len(ops) > 0 {
		if err := e.apply(ctx, w, domain.Batch{Stream: domain.TailStream, Ops: ops, Next: next}); err != nil {
			return false, err
		}
	}
	if done, err := e.tryAttach(w); done || err != nil {
		return done, err
	}
	if len(ops) == 0 {
		return false, retry.Sleep(ctx, e.cfg.Clock, e.cfg.PollInterval)
	}
	return false, nil
}

func (e *Engine) tryAttach(w *worker) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.finished:
		return !w.position.Before(e.target), nil
	default:
	}
	if !w.position.Before(e.head) {
		w.attached = true
		log.Info().Str("sink", w.sink.Name()).Str("cursor", w.position.String()).Msg("Sink caught up, reattaching")
		e.signal()
	}
	return false, nil
}

func (e *Engine) apply(ctx context.Context, w *worker, b domain.Batch) error {
	defer e.signal()

	b.Ops = b.Trim(w.position)
	if len(b.Ops) == 0 && !w.position.Before(b.Next) {
		return nil
	}

	committed, err := retry.DoWithResult(ctx, e.cfg.StorageRetry, func() (domain.Cursor, error) {
		return w.sink.Apply(ctx, b)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errmodel.Is(err, errmodel.KindMalformedData) {
			return err
		}
		return fmt.Errorf("sink %s failed: %w", w.sink.Name(), err)
	}

	w.malformed = 0
	w.position = domain.Max(w.position, b.Next)
	e.mu.Lock()
	w.committed = domain.Max(w.committed, committed)
	w.applied = w.position
	e.mu.Unlock()
	e.cfg.Metrics.Queue(w.sink.Name(), len(w.queue))
	return nil
}

// finish flushes the sink once the engine has caught up.
func (e *Engine) finish(ctx context.Context, w *worker) error {
	c, err := w.sink.Flush(ctx, domain.TailStream)
	if err != nil {
		return fmt.Errorf("sink %s: flush: %w", w.sink.Name(), err)
	}
	e.mu.Lock()
	w.committed = domain.Max(w.committed, c)
	e.mu.Unlock()
	log.Info().Str("sink", w.sink.Name()).Str("cursor", c.String()).Msg("Sink finished")
	return nil
}
