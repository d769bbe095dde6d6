package service

import (
	"context"
	"fmt"
	"time"

	"github.com/SteelMorgan/allegedly/internal/backfill"
	"github.com/SteelMorgan/allegedly/internal/bundle"
	"github.com/SteelMorgan/allegedly/internal/config"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/ledger"
	"github.com/SteelMorgan/allegedly/internal/retry"
	"github.com/SteelMorgan/allegedly/internal/sink"
	"github.com/SteelMorgan/allegedly/internal/tail"
	"github.com/rs/zerolog/log"
)

// backfillSink picks the destination: relational when a database is
// given, bundles when --dest is given, stdout otherwise.
func (s *Service) backfillSink() (string, error) {
	switch {
	case s.cfg.ToPostgres != "" && s.cfg.Dest != "":
		return "", errmodel.Configf("backfill writes to one destination: pick --to-postgres or --dest")
	case s.cfg.ToPostgres != "":
		return sink.KindRelational, nil
	case s.cfg.Dest != "":
		return sink.KindBundle, nil
	}
	return sink.KindStdout, nil
}

// backfillSource builds the range source and the run name that scopes
// completed-range markers.
func (s *Service) backfillSource() (backfill.RangeSource, string, int, error) {
	b := s.cfg.Backfill
	if b.NoBulk {
		if !s.cfg.SeqMode() {
			log.Info().Msg("--no-bulk pages upstream by sequence number, using --cursor-mode seq")
			s.cfg.CursorMode = config.CursorModeSeq
		}
		src, err := s.upstream()
		if err != nil {
			return nil, "", 0, err
		}
		run := fmt.Sprintf("seq:%s:%d-%d/%d", s.cfg.Upstream, b.FromSeq, b.ToSeq, b.Span)
		return &backfill.SeqSource{
			Fetcher:  src,
			From:     b.FromSeq,
			To:       b.ToSeq,
			Span:     b.Span,
			PageSize: ledger.MaxPageSize,
			Retry:    retry.UpstreamConfig(),
		}, run, 4, nil
	}

	until := domain.LastImmutable(s.clock.Now())
	if b.Until != "" {
		w, err := domain.ParseWeek(b.Until)
		if err != nil {
			return nil, "", 0, errmodel.Configuration("--until", err)
		}
		if w > until {
			log.Warn().Str("until", b.Until).Msg("--until is past the last immutable week, later bundles may still change")
		}
		until = w
	}

	if b.Dir != "" {
		return &backfill.WeekSource{Opener: bundle.Dir{Path: b.Dir}, Until: until, SkipMissing: b.SkipMissing}, "dir:" + b.Dir, 1, nil
	}
	prefix := b.HTTP
	if prefix == "" {
		prefix = config.DefaultBulkPrefix
	}
	bulk, err := ledger.NewBulk(prefix, nil)
	if err != nil {
		return nil, "", 0, err
	}
	return &backfill.WeekSource{Opener: bulk, Until: until}, "http:" + bulk.String(), 4, nil
}

// RunBackfill loads historical ops in parallel and, with --catch-up, tails
// from where the backfill ended until upstream is caught up.
func (s *Service) RunBackfill(ctx context.Context) error {
	s.serveMetrics(ctx)
	src, run, workers, err := s.backfillSource()
	if err != nil {
		return err
	}
	if s.cfg.Backfill.SourceWorkers > 0 {
		workers = s.cfg.Backfill.SourceWorkers
	}
	kind, err := s.backfillSink()
	if err != nil {
		return err
	}
	offsets, err := s.offsetStore()
	if err != nil {
		return err
	}
	sinks, err := s.openSinks(ctx, []string{kind}, s.cfg.Dest)
	if err != nil {
		return err
	}
	target := sinks[0]

	retryCfg := retry.UpstreamConfig()
	retryCfg.Name = "backfill range"
	engine := backfill.New(src, target, backfill.Config{
		Workers:       workers,
		RangeAttempts: s.cfg.Backfill.RangeAttempts,
		Run:           run,
		Offsets:       offsets,
		Retry:         retryCfg,
		StorageRetry:  retry.StorageConfig(),
		Clock:         s.clock,
		Metrics:       s.metrics,
	})

	started := time.Now()
	report, err := engine.Run(ctx)
	if err = finish(ctx, err); err != nil || ctx.Err() != nil {
		return err
	}
	log.Info().
		Str("run_id", report.RunID).
		Int64("ops", report.Ops()).
		Dur("took", time.Since(started)).
		Msg("Backfill complete")

	if !s.cfg.Backfill.CatchUp {
		return nil
	}
	return s.catchUp(ctx, target, s.catchUpStart(report))
}

// catchUpStart is where the live tail picks up after a backfill. When every
// range was already done the report has no cursor, and the end of the
// covered range stands in.
func (s *Service) catchUpStart(report *backfill.Report) domain.Cursor {
	if latest := report.Latest(); !latest.IsZero() {
		return latest
	}
	b := s.cfg.Backfill
	if b.NoBulk {
		if b.ToSeq > 0 {
			return domain.SeqCursor(b.ToSeq - 1)
		}
		return domain.SeqCursor(max(b.FromSeq, 1) - 1)
	}
	until := domain.LastImmutable(s.clock.Now())
	if w, err := domain.ParseWeek(b.Until); err == nil && b.Until != "" {
		until = w
	}
	return domain.TimeCursor(until.End())
}

func (s *Service) catchUp(ctx context.Context, target sink.Sink, start domain.Cursor) error {
	src, err := s.upstream()
	if err != nil {
		return err
	}
	cfg := s.tailConfig(start)
	cfg.StopWhenCaughtUp = true
	log.Info().Str("start", start.String()).Msg("Catching up with upstream")

	e := tail.New(src, []sink.Sink{target}, cfg)
	if err := finish(ctx, e.Run(ctx)); err != nil {
		return err
	}
	if ctx.Err() == nil {
		log.Info().Time("caught_up", e.LastCaughtUp()).Msg("Caught up")
	}
	return nil
}
