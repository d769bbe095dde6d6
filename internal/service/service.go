// Package service wires configuration into engines, sinks and servers for
// each command.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/SteelMorgan/allegedly/internal/bundle"
	"github.com/SteelMorgan/allegedly/internal/clock"
	"github.com/SteelMorgan/allegedly/internal/config"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/ledger"
	"github.com/SteelMorgan/allegedly/internal/observability"
	"github.com/SteelMorgan/allegedly/internal/offset"
	"github.com/SteelMorgan/allegedly/internal/relational"
	"github.com/SteelMorgan/allegedly/internal/sink"
	"github.com/SteelMorgan/allegedly/internal/tail"
	"github.com/rs/zerolog/log"
)

// Version is reported by the mirror banner and health check.
var Version = "dev"

// Service owns the resources shared by a command's components and closes
// them in reverse order of creation.
type Service struct {
	cfg     *config.Config
	out     io.Writer
	clock   clock.Clock
	metrics *observability.Metrics

	// source overrides the upstream client in tests.
	source tail.Source

	offsets    offset.Store
	bundles    *bundle.Store
	relational relational.Store
	closers    []func() error
}

// New creates a service writing op output to out.
func New(cfg *config.Config, out io.Writer) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return &Service{
		cfg:     cfg,
		out:     out,
		clock:   clock.Real{},
		metrics: observability.NewMetrics(),
	}, nil
}

// Close releases everything the service opened.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Service) onClose(fn func() error) { s.closers = append(s.closers, fn) }

// serveMetrics exposes metrics on the configured address, if any.
func (s *Service) serveMetrics(ctx context.Context) {
	addr := s.cfg.Metrics.Address
	if addr == "" {
		return
	}
	go func() {
		if err := s.metrics.Serve(ctx, addr); err != nil {
			log.Error().Err(err).Str("address", addr).Msg("Metrics server failed")
		}
	}()
}

func (s *Service) upstream() (tail.Source, error) {
	if s.source != nil {
		return s.source, nil
	}
	c, err := ledger.New(ledger.Config{
		Upstream: s.cfg.Upstream,
		Throttle: s.cfg.UpstreamThrottle,
		Timeout:  s.cfg.UpstreamTimeout,
		SeqMode:  s.cfg.SeqMode(),
		Metrics:  s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.source = c
	return c, nil
}

func (s *Service) offsetStore() (offset.Store, error) {
	if s.offsets != nil {
		return s.offsets, nil
	}
	if s.cfg.StatePath == "" {
		log.Warn().Msg("No --state file: stdout cursors and backfill progress are kept in memory only")
		s.offsets = offset.NewMemoryStore()
		return s.offsets, nil
	}
	store, err := offset.NewBoltDBStore(s.cfg.StatePath)
	if err != nil {
		return nil, err
	}
	s.offsets = store
	s.onClose(store.Close)
	return store, nil
}

func (s *Service) bundleStore(dir string) (*bundle.Store, error) {
	if s.bundles != nil {
		return s.bundles, nil
	}
	store, err := bundle.Open(bundle.Config{
		Dir:      dir,
		MaxOps:   s.cfg.Bundle.MaxOps,
		MaxBytes: s.cfg.Bundle.MaxBytes,
		Clobber:  s.cfg.Bundle.Clobber,
		Clock:    s.clock,
		Metrics:  s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.bundles = store
	return store, nil
}

func (s *Service) relationalStore(ctx context.Context, dsn string, initSchema bool) (relational.Store, error) {
	if s.relational != nil {
		return s.relational, nil
	}
	store, err := relational.Open(ctx, dsn, relational.Options{InitSchema: initSchema})
	if err != nil {
		return nil, err
	}
	// closed by the relational sink that owns it
	s.relational = store
	return store, nil
}

// openSinks builds one sink per kind. Sinks are closed with the service;
// the bundle sink closes its store, sealing partial buffers.
func (s *Service) openSinks(ctx context.Context, kinds []string, dest string) ([]sink.Sink, error) {
	seen := make(map[string]bool)
	var out []sink.Sink
	for _, kind := range kinds {
		if seen[kind] {
			return nil, errmodel.Configf("sink %q given twice", kind)
		}
		seen[kind] = true

		deps := sink.Deps{Out: s.out, Metrics: s.metrics}
		switch kind {
		case sink.KindStdout:
			store, err := s.offsetStore()
			if err != nil {
				return nil, err
			}
			deps.Offsets = store
		case sink.KindBundle:
			store, err := s.bundleStore(dest)
			if err != nil {
				return nil, err
			}
			deps.Bundles = store
		case sink.KindRelational:
			store, err := s.relationalStore(ctx, s.cfg.ToPostgres, false)
			if err != nil {
				return nil, err
			}
			deps.Relational = store
		}

		sk, err := sink.Open(kind, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
		s.onClose(sk.Close)
	}
	return out, nil
}

// startCursor parses --after: a sequence number in seq mode, otherwise an
// RFC3339 time. Empty means def.
func (s *Service) startCursor(after string, def domain.Cursor) (domain.Cursor, error) {
	if after == "" {
		return def, nil
	}
	if n, err := strconv.ParseUint(after, 10, 64); err == nil && s.cfg.SeqMode() {
		return domain.SeqCursor(n), nil
	}
	t, err := time.Parse(time.RFC3339, after)
	if err != nil {
		return domain.Cursor{}, errmodel.Configf("--after must be RFC3339 or, in seq mode, a sequence number: %q", after)
	}
	return domain.TimeCursor(t), nil
}

// finish maps cancellation to a clean exit.
func finish(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
