package service

import (
	"context"

	"github.com/SteelMorgan/allegedly/internal/config"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/ledger"
	"github.com/SteelMorgan/allegedly/internal/sink"
	"github.com/SteelMorgan/allegedly/internal/tail"
	"github.com/rs/zerolog/log"
)

func (s *Service) tailConfig(start domain.Cursor) tail.Config {
	return tail.Config{
		PageSize:     ledger.MaxPageSize,
		QueueSize:    s.cfg.Tail.QueueSize,
		PollInterval: s.cfg.Tail.PollInterval,
		Start:        start,
		Clock:        s.clock,
		Metrics:      s.metrics,
	}
}

// RunTail follows upstream into the configured sinks until ctx is done.
func (s *Service) RunTail(ctx context.Context) error {
	kinds := s.cfg.Sinks
	if len(kinds) == 0 {
		kinds = []string{sink.KindStdout}
	}
	start, err := s.startCursor(s.cfg.After, domain.TimeCursor(s.clock.Now()))
	if err != nil {
		return err
	}
	return s.tail(ctx, kinds, s.cfg.Dest, start, false)
}

// RunBundle archives upstream into weekly bundles under --dest.
func (s *Service) RunBundle(ctx context.Context) error {
	dest := s.cfg.Dest
	if dest == "" {
		dest = config.DefaultBundleDir
	}
	after := s.cfg.After
	if after == "" && !s.cfg.SeqMode() {
		after = config.DefaultBundleAfter
	}
	start, err := s.startCursor(after, domain.Cursor{})
	if err != nil {
		return err
	}
	return s.tail(ctx, []string{sink.KindBundle}, dest, start, s.cfg.Bundle.ExitWhenCaughtUp)
}

func (s *Service) tail(ctx context.Context, kinds []string, dest string, start domain.Cursor, stopWhenCaughtUp bool) error {
	s.serveMetrics(ctx)
	src, err := s.upstream()
	if err != nil {
		return err
	}
	sinks, err := s.openSinks(ctx, kinds, dest)
	if err != nil {
		return err
	}

	cfg := s.tailConfig(start)
	cfg.StopWhenCaughtUp = stopWhenCaughtUp
	log.Info().
		Strs("sinks", kinds).
		Str("upstream", s.cfg.Upstream).
		Str("start", start.String()).
		Msg("Tailing upstream")

	return finish(ctx, tail.New(src, sinks, cfg).Run(ctx))
}
