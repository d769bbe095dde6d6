// Package sink defines the destinations ops are applied to.
package sink

import (
	"context"
	"io"
	"time"

	"github.com/SteelMorgan/allegedly/internal/bundle"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/observability"
	"github.com/SteelMorgan/allegedly/internal/offset"
	"github.com/SteelMorgan/allegedly/internal/relational"
	"go.opentelemetry.io/otel/attribute"
)

// Sink is a destination that applies batches of ops idempotently and owns
// a cursor per stream.
type Sink interface {
	Name() string

	// Cursor returns the committed cursor of stream.
	Cursor(ctx context.Context, stream string) (domain.Cursor, error)

	// Apply applies b and returns the cursor now durably committed for
	// b.Stream. Buffering sinks may return a cursor behind b.Next.
	Apply(ctx context.Context, b domain.Batch) (domain.Cursor, error)

	// Flush makes everything applied to stream durable.
	Flush(ctx context.Context, stream string) (domain.Cursor, error)

	Close() error
}

const (
	KindStdout     = "stdout"
	KindBundle     = "bundle"
	KindRelational = "relational"
)

// Deps are the resources sinks are built from. Only those the chosen kind
// needs must be set.
type Deps struct {
	Out        io.Writer
	Offsets    offset.Store
	Bundles    *bundle.Store
	Relational relational.Store
	Metrics    *observability.Metrics
}

// Open builds the sink of the given kind.
func Open(kind string, deps Deps) (Sink, error) {
	var s Sink
	switch kind {
	case KindStdout:
		if deps.Out == nil || deps.Offsets == nil {
			return nil, errmodel.Configf("stdout sink needs an output and a cursor store")
		}
		s = NewStdout(deps.Out, deps.Offsets)
	case KindBundle:
		if deps.Bundles == nil {
			return nil, errmodel.Configf("bundle sink needs a bundle store (--dest)")
		}
		s = NewBundle(deps.Bundles)
	case KindRelational:
		if deps.Relational == nil {
			return nil, errmodel.Configf("relational sink needs a database (--to-postgres)")
		}
		s = NewRelational(deps.Relational)
	default:
		return nil, errmodel.Configf("unknown sink %q", kind)
	}
	return &instrumented{Sink: s, metrics: deps.Metrics}, nil
}

// instrumented records metrics and spans around Apply.
type instrumented struct {
	Sink
	metrics *observability.Metrics
}

func (s *instrumented) Apply(ctx context.Context, b domain.Batch) (domain.Cursor, error) {
	ctx, span := observability.StartSpan(ctx, "sink.apply",
		attribute.String("sink", s.Name()),
		attribute.String("stream", b.Stream),
		attribute.Int("ops", len(b.Ops)),
	)
	start := time.Now()
	c, err := s.Sink.Apply(ctx, b)
	s.metrics.Applied(s.Name(), len(b.Ops), time.Since(start), err)
	if err == nil && len(b.Ops) > 0 {
		s.metrics.Lag(s.Name(), b.Ops[len(b.Ops)-1].CreatedAt)
	}
	observability.EndSpan(span, err, "apply batch")
	return c, errmodel.WithSubject(err, s.Name())
}
