// Package backfill loads ledger history concurrently from independent ranges.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SteelMorgan/allegedly/internal/clock"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/observability"
	"github.com/SteelMorgan/allegedly/internal/offset"
	"github.com/SteelMorgan/allegedly/internal/retry"
	"github.com/SteelMorgan/allegedly/internal/sink"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// RangeSource splits the history into ranges and streams each one.
type RangeSource interface {
	Partition(ctx context.Context) ([]domain.WorkerRange, error)

	// Stream emits the ops of r not covered by from, in batches whose Next
	// cursors only move forward. Batch.Stream is filled in by the engine.
	Stream(ctx context.Context, r domain.WorkerRange, from domain.Cursor, emit func(domain.Batch) error) error
}

// RangeError reports a range that exhausted its retry budget.
type RangeError struct {
	Range    domain.WorkerRange
	Attempts int
	Err      error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("backfill range %s failed after %d attempts: %v", e.Range, e.Attempts, e.Err)
}

func (e *RangeError) Unwrap() error { return e.Err }

// Config tunes an Engine.
type Config struct {
	Workers       int
	RangeAttempts int

	// Run names the run for completed-range markers, e.g. "weeks" or
	// "seq". Ranges marked done under the same name are skipped.
	Run     string
	Offsets offset.Store

	Retry        retry.Config // backoff between range attempts
	StorageRetry retry.Config
	Clock        clock.Clock
	Metrics      *observability.Metrics
}

// Engine runs a bounded pool of workers over a RangeSource. Ranges complete
// in no particular order.
type Engine struct {
	cfg  Config
	src  RangeSource
	sink sink.Sink
}

func New(src RangeSource, s sink.Sink, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RangeAttempts <= 0 {
		cfg.RangeAttempts = 5
	}
	if cfg.Offsets == nil {
		cfg.Offsets = offset.NewMemoryStore()
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry = retry.UpstreamConfig()
	}
	if cfg.StorageRetry.InitialDelay == 0 {
		cfg.StorageRetry = retry.StorageConfig()
	}
	cfg.Clock = clock.Or(cfg.Clock)
	cfg.StorageRetry.Clock = cfg.Clock
	return &Engine{cfg: cfg, src: src, sink: s}
}

// Report aggregates progress across workers.
type Report struct {
	RunID string

	mu       sync.Mutex
	ops      int64
	statuses map[string]domain.RangeStatus
	skipped  int
	latest   domain.Cursor
}

func newReport() *Report {
	return &Report{RunID: uuid.NewString(), statuses: make(map[string]domain.RangeStatus)}
}

func (r *Report) add(b domain.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops += int64(len(b.Ops))
	r.latest = domain.Max(r.latest, b.Next)
}

func (r *Report) set(id string, s domain.RangeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = s
}

func (r *Report) skip(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = domain.RangeDone
	r.skipped++
}

// Ops is the number of ops applied.
func (r *Report) Ops() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ops
}

// Latest is the furthest cursor seen in any range.
func (r *Report) Latest() domain.Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// Count returns how many ranges are in status s.
func (r *Report) Count(s domain.RangeStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.statuses {
		if st == s {
			n++
		}
	}
	return n
}

// Skipped is the number of ranges completed by an earlier run.
func (r *Report) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Run partitions the source and processes every range. The first range to
// exhaust its attempts cancels the rest and is returned as a *RangeError.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := newReport()
	logger := log.With().Str("run_id", report.RunID).Str("sink", e.sink.Name()).Logger()

	ranges, err := e.src.Partition(ctx)
	if err != nil {
		return report, fmt.Errorf("partition: %w", err)
	}
	for _, r := range ranges {
		report.set(r.ID, domain.RangePending)
	}
	logger.Info().Int("ranges", len(ranges)).Int("workers", e.cfg.Workers).Msg("Backfill starting")
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan domain.WorkerRange)

	g.Go(func() error {
		defer close(work)
		for _, r := range ranges {
			done, err := e.cfg.Offsets.RangeDone(gctx, e.cfg.Run, r.ID)
			if err != nil {
				return errmodel.Storage("read range marker", r.ID, err)
			}
			if done {
				report.skip(r.ID)
				logger.Debug().Str("range", r.ID).Msg("Range already done, skipping")
				continue
			}
			select {
			case work <- r:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for r := range work {
				if err := e.runRange(gctx, r, report); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info().
		Int64("ops", report.Ops()).
		Int("done", report.Count(domain.RangeDone)).
		Int("skipped", report.Skipped()).
		Int("failed", report.Count(domain.RangeFailed)).
		Dur("took", time.Since(started)).
		Msg("Backfill finished")
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return report, ctx.Err()
	}
	return report, err
}

func (e *Engine) runRange(ctx context.Context, r domain.WorkerRange, report *Report) error {
	backoff := retry.NewBackoff(e.cfg.Retry)
	for attempt := 1; ; attempt++ {
		r.Attempts = attempt
		r.Status = domain.RangeRunning
		report.set(r.ID, r.Status)

		err := e.streamRange(ctx, r, report)
		if err == nil {
			if err := e.cfg.Offsets.MarkRangeDone(ctx, e.cfg.Run, r.ID); err != nil {
				return errmodel.Storage("mark range done", r.ID, err)
			}
			report.set(r.ID, domain.RangeDone)
			e.cfg.Metrics.Range(string(domain.RangeDone))
			log.Debug().Str("range", r.String()).Int("attempt", attempt).Msg("Range done")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt >= e.cfg.RangeAttempts {
			report.set(r.ID, domain.RangeFailed)
			e.cfg.Metrics.Range(string(domain.RangeFailed))
			log.Error().Err(err).Str("range", r.String()).Int("attempts", attempt).Msg("Range failed")
			return &RangeError{Range: r, Attempts: attempt, Err: err}
		}
		d := backoff.Next(err)
		log.Warn().Err(err).Str("range", r.String()).Int("attempt", attempt).Dur("delay", d).Msg("Range failed, retrying")
		if err := retry.Sleep(ctx, e.cfg.Clock, d); err != nil {
			return err
		}
	}
}

// streamRange resumes r from the sink's cursor for the range's stream and
// flushes the sink once the source is exhausted.
func (e *Engine) streamRange(ctx context.Context, r domain.WorkerRange, report *Report) (err error) {
	ctx, span := observability.StartSpan(ctx, "backfill.range",
		attribute.String("range.id", r.ID),
		attribute.Int("range.attempt", r.Attempts),
	)
	defer func() { observability.EndSpan(span, err, "backfill range") }()

	stream := domain.BackfillStream(r.ID)
	from, err := e.sink.Cursor(ctx, stream)
	if err != nil {
		return err
	}

	err = e.src.Stream(ctx, r, from, func(b domain.Batch) error {
		b.Stream = stream
		if _, err := retry.DoWithResult(ctx, e.cfg.StorageRetry, func() (domain.Cursor, error) {
			return e.sink.Apply(ctx, b)
		}); err != nil {
			return err
		}
		report.add(b)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = e.sink.Flush(ctx, stream)
	return err
}
