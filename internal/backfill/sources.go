package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/SteelMorgan/allegedly/internal/bundle"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/ledger"
	"github.com/SteelMorgan/allegedly/internal/retry"
	"github.com/rs/zerolog/log"
)

// Fetcher pages through the export endpoint.
type Fetcher interface {
	FetchBatch(ctx context.Context, cursor domain.Cursor, limit int) ([]domain.Op, domain.Cursor, error)
}

// SeqSource splits [From, To) into fixed spans of sequence numbers fetched
// from the export endpoint in sequence mode. With To == 0 there is a single
// open-ended range that ends at the first short page.
type SeqSource struct {
	Fetcher  Fetcher
	From     uint64
	To       uint64
	Span     uint64
	PageSize int
	Retry    retry.Config
}

// seqModer is implemented by fetchers that can page in either cursor mode.
type seqModer interface {
	SeqMode() bool
}

func (s *SeqSource) Partition(context.Context) ([]domain.WorkerRange, error) {
	if m, ok := s.Fetcher.(seqModer); ok && !m.SeqMode() {
		return nil, errmodel.Configf("sequence backfill needs an upstream client in seq cursor mode")
	}
	if s.To == 0 {
		return []domain.WorkerRange{{ID: fmt.Sprintf("seq-%d-end", s.From), Low: int64(s.From)}}, nil
	}
	if s.To <= s.From {
		return nil, errmodel.Configf("empty sequence range [%d, %d)", s.From, s.To)
	}
	span := s.Span
	if span == 0 {
		span = s.To - s.From
	}
	var out []domain.WorkerRange
	for low := s.From; low < s.To; low += span {
		high := min(low+span, s.To)
		out = append(out, domain.WorkerRange{
			ID:   fmt.Sprintf("seq-%d-%d", low, high),
			Low:  int64(low),
			High: int64(high),
		})
	}
	return out, nil
}

func (s *SeqSource) Stream(ctx context.Context, r domain.WorkerRange, from domain.Cursor, emit func(domain.Batch) error) error {
	pageSize := s.PageSize
	if pageSize <= 0 || pageSize > ledger.MaxPageSize {
		pageSize = ledger.MaxPageSize
	}
	cfg := s.Retry
	if cfg.InitialDelay == 0 {
		cfg = retry.UpstreamConfig()
	}

	cursor := domain.SeqCursor(uint64(max(r.Low, 1) - 1))
	cursor = domain.Max(cursor, from)
	for {
		type page struct {
			ops  []domain.Op
			next domain.Cursor
		}
		p, err := retry.DoWithResult(ctx, cfg, func() (page, error) {
			ops, next, err := s.Fetcher.FetchBatch(ctx, cursor, pageSize)
			return page{ops, next}, err
		})
		if err != nil {
			return err
		}

		kept := p.ops
		end := false
		if r.High > 0 {
			for i, op := range p.ops {
				if op.Seq == 0 {
					return errmodel.Malformedf("sequence backfill", "op %s has no seq; is the upstream serving sequence numbers?", op.Key())
				}
				if op.Seq >= uint64(r.High) {
					kept, end = p.ops[:i], true
					break
				}
			}
		}
		if len(kept) > 0 {
			if kept[0].Seq != 0 && kept[0].Seq <= cursor.Seq {
				return errmodel.Malformedf("sequence backfill", "upstream returned seq %d after cursor %d", kept[0].Seq, cursor.Seq)
			}
			next := cursor.Advance(kept)
			if err := emit(domain.Batch{Ops: kept, Next: next}); err != nil {
				return err
			}
			cursor = next
		}
		if end {
			return nil
		}
		if len(p.ops) < pageSize {
			return s.checkShortEnd(r, cursor)
		}
	}
}

// checkShortEnd accepts a short page before r.High only for the final range,
// whose bound may lie past the upstream head. Any other range stopping early
// would leave a gap.
func (s *SeqSource) checkShortEnd(r domain.WorkerRange, cursor domain.Cursor) error {
	if r.High <= 0 || cursor.Seq+1 >= uint64(r.High) {
		return nil
	}
	if uint64(r.High) < s.To {
		return errmodel.Transient("sequence backfill", fmt.Errorf("upstream ended at seq %d inside range %s", cursor.Seq, r.ID))
	}
	log.Warn().Uint64("seq", cursor.Seq).Uint64("to", s.To).Msg("Upstream ends before --to-seq")
	return nil
}

// Opener opens named objects of a bundle collection: ledger.Bulk over HTTP
// or bundle.Dir on disk. Missing objects wrap errmodel.ErrNotFound.
type Opener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// WeekSource streams weekly bundles. If the collection has a manifest its
// entries are the ranges; otherwise there is one range per week from the
// bulk epoch through Until. A missing bundle fails its range.
type WeekSource struct {
	Opener Opener
	Until  domain.Week
	// BatchSize bounds the ops per emitted batch, default 1000.
	BatchSize int
	// SkipMissing treats a missing bundle as an empty week when the
	// collection has no manifest. Manifest entries must always exist.
	SkipMissing bool

	manifest bool
}

func (s *WeekSource) Partition(ctx context.Context) ([]domain.WorkerRange, error) {
	rc, err := s.Opener.Open(ctx, bundle.ManifestName)
	switch {
	case err == nil:
		defer rc.Close()
		entries, err := bundle.ParseManifest(rc)
		if err != nil {
			return nil, err
		}
		var out []domain.WorkerRange
		for _, e := range entries {
			if e.Week > s.Until {
				continue
			}
			out = append(out, domain.WorkerRange{ID: e.Name, Low: int64(e.Week), High: int64(e.Week.Next()), Source: e.Name})
		}
		log.Info().Int("bundles", len(out)).Msg("Using bundle manifest")
		s.manifest = true
		return out, nil
	case errors.Is(err, errmodel.ErrNotFound):
		s.manifest = false
	default:
		return nil, err
	}

	var out []domain.WorkerRange
	for w := domain.BulkEpoch; w <= s.Until; w = w.Next() {
		out = append(out, domain.WorkerRange{
			ID:     strconv.FormatInt(int64(w), 10),
			Low:    int64(w),
			High:   int64(w.Next()),
			Source: w.FileName(),
		})
	}
	return out, nil
}

func (s *WeekSource) Stream(ctx context.Context, r domain.WorkerRange, from domain.Cursor, emit func(domain.Batch) error) error {
	rc, err := s.Opener.Open(ctx, r.Source)
	if errors.Is(err, errmodel.ErrNotFound) {
		if s.SkipMissing && !s.manifest {
			log.Warn().Str("bundle", r.Source).Msg("Bundle not found, treating week as empty")
			return nil
		}
		return errmodel.New(errmodel.KindTransientUpstream, "open bundle", r.Source, err)
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	size := s.BatchSize
	if size <= 0 {
		size = ledger.MaxPageSize
	}
	cursor := from
	batch := make([]domain.Op, 0, size)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		next := cursor.Advance(batch)
		if err := emit(domain.Batch{Ops: batch, Next: next}); err != nil {
			return err
		}
		cursor = next
		batch = make([]domain.Op, 0, size)
		return nil
	}

	err = bundle.Scan(rc, func(op domain.Op) error {
		if cursor.Covers(op) {
			return nil
		}
		batch = append(batch, op)
		if len(batch) == size {
			return flush()
		}
		return nil
	})
	if err != nil {
		return errmodel.WithSubject(err, r.Source)
	}
	return flush()
}
