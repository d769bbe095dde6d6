package service

import (
	"context"

	"github.com/SteelMorgan/allegedly/internal/certs"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/ledger"
	"github.com/SteelMorgan/allegedly/internal/mirror"
	"github.com/SteelMorgan/allegedly/internal/relational"
	"github.com/SteelMorgan/allegedly/internal/sink"
	"github.com/SteelMorgan/allegedly/internal/tail"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
)

// RunMirror keeps the wrapped server's database in sync with upstream and
// serves the proxy in front of it.
func (s *Service) RunMirror(ctx context.Context) error {
	m := s.cfg.Mirror
	s.serveMetrics(ctx)

	store, err := s.relationalStore(ctx, m.WrapPG, m.PGInitSchema)
	if err != nil {
		return err
	}
	log.Info().Str("database", relational.Redact(m.WrapPG)).Msg("Connected to wrapped server database")

	sinks, err := s.openSinks(ctx, []string{sink.KindRelational}, "")
	if err != nil {
		return err
	}
	start, err := s.mirrorStart(ctx, store)
	if err != nil {
		return err
	}
	src, err := s.upstream()
	if err != nil {
		return err
	}
	engine := tail.New(src, sinks, s.tailConfig(start))

	cfg := mirror.Config{
		Wrapped:       m.Wrap,
		Upstream:      s.cfg.Upstream,
		Freshness:     m.Freshness,
		Version:       Version,
		Bind:          m.Bind,
		ShutdownGrace: m.ShutdownGrace,
		RateLimit:     m.RateLimit,
		RateBurst:     m.RateBurst,
		ChallengeBind: m.AcmeChallengeBind,
		FailurePolicy: m.AcmeFailurePolicy,
		Clock:         s.clock,
		Metrics:       s.metrics,
	}
	if m.ApplyWritesLocally {
		client, ok := src.(*ledger.Client)
		if !ok {
			log.Warn().Msg("--apply-writes-locally needs the upstream client, ignoring")
		} else {
			cfg.Auditor = client
			cfg.Writer = store
		}
	}
	if len(m.AcmeDomains) > 0 {
		if cfg.Certs, err = s.certManager(ctx); err != nil {
			return err
		}
	}

	srv, err := mirror.New(cfg, engine)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	return finish(ctx, g.Wait())
}

// mirrorStart resumes from the tail cursor if there is one; otherwise from
// the newest op already in the wrapped database.
func (s *Service) mirrorStart(ctx context.Context, store relational.Store) (domain.Cursor, error) {
	latest, err := store.Latest(ctx)
	if err != nil {
		return domain.Cursor{}, err
	}
	if latest.IsZero() {
		log.Warn().Msg("Wrapped database holds no ops; tailing from the start of the log (consider running backfill first)")
		return domain.Cursor{}, nil
	}
	log.Info().Time("latest", latest).Msg("Mirror starting from newest stored op")
	return domain.TimeCursor(latest), nil
}

func (s *Service) certManager(ctx context.Context) (*certs.Manager, error) {
	m := s.cfg.Mirror
	cache := autocert.DirCache(m.AcmeCachePath)
	key, err := certs.LoadAccountKey(ctx, cache)
	if err != nil {
		return nil, err
	}
	return certs.NewManager(certs.Config{
		Domains:     m.AcmeDomains,
		Cache:       cache,
		Issuer:      certs.NewACMEIssuer(m.AcmeDirectoryURL, key, m.AcmeContact),
		StepTimeout: m.AcmeStepTimeout,
		MaxAttempts: m.AcmeMaxAttempts,
		Clock:       s.clock,
		Metrics:     s.metrics,
	})
}
