// Package bundle archives ops into sealed, gzip-compressed weekly files with
// a manifest, and reads them back.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/SteelMorgan/allegedly/internal/clock"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/observability"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("bundle store closed")

// Config configures a Store.
type Config struct {
	Dir      string
	MaxOps   int   // seal when a buffer holds this many ops; 0 disables
	MaxBytes int64 // seal when a buffer holds this many uncompressed bytes; 0 disables
	Clobber  bool  // allow overwriting bundle files the manifest does not know
	Clock    clock.Clock
	Metrics  *observability.Metrics
}

// Store owns a bundle directory. A single goroutine performs every write;
// callers submit batches and get back the stream's durable cursor, which is
// the end of its last sealed bundle.
type Store struct {
	cfg      Config
	manifest *Manifest
	buffers  map[string]*buffer // owned by run

	requests chan request
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	closeErr error

	mu     sync.RWMutex
	sealed map[string]domain.Cursor
}

type request struct {
	batch domain.Batch
	flush bool
	reply chan reply
}

type reply struct {
	cursor domain.Cursor
	err    error
}

type buffer struct {
	stream string
	week   domain.Week
	start  domain.Cursor
	end    domain.Cursor
	lines  [][]byte
	bytes  int64
	first  domain.Op
	last   domain.Op
}

// Open prepares dir and starts the owning goroutine.
func Open(cfg Config) (*Store, error) {
	cfg.Clock = clock.Or(cfg.Clock)
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errmodel.Storage("create bundle dir", cfg.Dir, err)
	}
	if err := removeTemps(cfg.Dir); err != nil {
		return nil, err
	}

	m, err := LoadManifest(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := quarantineOrphans(cfg.Dir, m); err != nil {
		return nil, err
	}
	sealed, err := m.streamCursors()
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		manifest: m,
		buffers:  make(map[string]*buffer),
		requests: make(chan request),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		sealed:   sealed,
	}
	go s.run()

	log.Info().
		Str("dir", cfg.Dir).
		Int("bundles", len(m.entries)).
		Int("streams", len(sealed)).
		Msg("Bundle store opened")
	return s, nil
}

// Dir returns the bundle directory.
func (s *Store) Dir() string { return s.cfg.Dir }

// Cursor returns the durable cursor of stream.
func (s *Store) Cursor(stream string) domain.Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed[stream]
}

// Submit buffers the batch's ops and seals any bundle that fills up.
func (s *Store) Submit(ctx context.Context, b domain.Batch) (domain.Cursor, error) {
	return s.do(ctx, request{batch: b})
}

// Flush seals the stream's partial buffer.
func (s *Store) Flush(ctx context.Context, stream string) (domain.Cursor, error) {
	return s.do(ctx, request{batch: domain.Batch{Stream: stream}, flush: true})
}

// Close seals every partial buffer and stops the owner.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
	return s.closeErr
}

func (s *Store) do(ctx context.Context, req request) (domain.Cursor, error) {
	req.reply = make(chan reply, 1)
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return s.Cursor(req.batch.Stream), ctx.Err()
	case <-s.done:
		return s.Cursor(req.batch.Stream), ErrClosed
	}
	select {
	case r := <-req.reply:
		return r.cursor, r.err
	case <-ctx.Done():
		return s.Cursor(req.batch.Stream), ctx.Err()
	}
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.requests:
			var r reply
			if req.flush {
				r.err = s.sealStream(req.batch.Stream)
			} else {
				r.err = s.apply(req.batch)
			}
			r.cursor = s.Cursor(req.batch.Stream)
			req.reply <- r
		case <-s.stop:
			var errs []error
			for stream := range s.buffers {
				if err := s.sealStream(stream); err != nil {
					errs = append(errs, err)
				}
			}
			s.closeErr = errors.Join(errs...)
			log.Info().Msg("Bundle store closed")
			return
		}
	}
}

func (s *Store) apply(b domain.Batch) error {
	for _, op := range b.Ops {
		buf := s.buffers[b.Stream]
		position := s.Cursor(b.Stream)
		if buf != nil {
			position = buf.end
		}
		if position.Covers(op) {
			continue
		}

		week := domain.WeekOf(op.CreatedAt)
		if buf != nil && week != buf.week {
			if err := s.seal(buf); err != nil {
				return err
			}
			buf = nil
		}
		if buf == nil {
			buf = &buffer{stream: b.Stream, week: week, start: position, end: position, first: op}
			s.buffers[b.Stream] = buf
		}

		line := op.Line()
		buf.lines = append(buf.lines, line)
		buf.bytes += int64(len(line)) + 1
		buf.last = op
		buf.end = buf.end.Advance([]domain.Op{op})

		if s.full(buf) {
			if err := s.seal(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) full(buf *buffer) bool {
	if s.cfg.MaxOps > 0 && len(buf.lines) >= s.cfg.MaxOps {
		return true
	}
	return s.cfg.MaxBytes > 0 && buf.bytes >= s.cfg.MaxBytes
}

func (s *Store) sealStream(stream string) error {
	buf := s.buffers[stream]
	if buf == nil || len(buf.lines) == 0 {
		return nil
	}
	return s.seal(buf)
}

// seal writes buf to a temp file, renames it into place and records it in
// the manifest. Nothing is visible under the final name until the rename.
func (s *Store) seal(buf *buffer) (err error) {
	part := s.manifest.parts(buf.week)
	name := domain.PartName(buf.week, part)
	final := filepath.Join(s.cfg.Dir, name)
	tmp := final + ".tmp"

	_, span := observability.StartSpan(context.Background(), "bundle.seal",
		attribute.String("bundle.name", name),
		attribute.Int("bundle.ops", len(buf.lines)),
	)
	defer func() { observability.EndSpan(span, err, "seal bundle") }()

	if !s.cfg.Clobber {
		if _, statErr := os.Stat(final); statErr == nil {
			return errmodel.Storage("seal bundle", name, fmt.Errorf("%s already exists (use --clobber to overwrite)", final))
		}
	}

	sum, size, err := writeBundle(tmp, buf.lines)
	if err != nil {
		os.Remove(tmp)
		return errmodel.Storage("write bundle", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errmodel.Storage("rename bundle", name, err)
	}
	if err := syncDir(s.cfg.Dir); err != nil {
		return errmodel.Storage("sync bundle dir", name, err)
	}

	entry := Entry{
		Name:     name,
		Stream:   buf.stream,
		Week:     buf.week,
		Part:     part,
		Start:    buf.start.String(),
		End:      buf.end.String(),
		First:    buf.first.CreatedAt,
		Last:     buf.last.CreatedAt,
		Count:    len(buf.lines),
		Bytes:    size,
		SHA256:   sum,
		SealedAt: s.cfg.Clock.Now().UTC(),
	}
	if err := s.manifest.Append(entry); err != nil {
		return err
	}

	s.mu.Lock()
	s.sealed[buf.stream] = buf.end
	s.mu.Unlock()
	delete(s.buffers, buf.stream)

	s.cfg.Metrics.Sealed()
	log.Info().
		Str("bundle", name).
		Str("stream", buf.stream).
		Int("ops", entry.Count).
		Int64("bytes", size).
		Msg("Bundle sealed")
	return nil
}

func writeBundle(path string, lines [][]byte) (string, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	gz, err := gzip.NewWriterLevel(cw, gzip.BestCompression)
	if err != nil {
		return "", 0, err
	}
	for _, line := range lines {
		if _, err := gz.Write(line); err != nil {
			return "", 0, err
		}
		if _, err := gz.Write([]byte{'\n'}); err != nil {
			return "", 0, err
		}
	}
	if err := gz.Close(); err != nil {
		return "", 0, err
	}
	if err := f.Sync(); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), cw.n, f.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func removeTemps(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		return errmodel.Storage("scan bundle dir", dir, err)
	}
	for _, m := range matches {
		log.Warn().Str("file", m).Msg("Removing unfinished bundle")
		if err := os.Remove(m); err != nil {
			return errmodel.Storage("remove temp bundle", m, err)
		}
	}
	return nil
}

// quarantineOrphans moves aside bundles this store wrote but never recorded,
// which happens when the process dies between rename and manifest append.
// Directories without a manifest are left untouched.
func quarantineOrphans(dir string, m *Manifest) error {
	if len(m.entries) == 0 {
		return nil
	}
	known := make(map[string]bool, len(m.entries))
	for _, e := range m.entries {
		known[e.Name] = true
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl.gz"))
	if err != nil {
		return errmodel.Storage("scan bundle dir", dir, err)
	}
	for _, path := range matches {
		name := filepath.Base(path)
		if known[name] || strings.HasSuffix(name, ".orphan") {
			continue
		}
		log.Warn().Str("file", path).Msg("Bundle missing from manifest, moving aside")
		if err := os.Rename(path, path+".orphan"); err != nil {
			return errmodel.Storage("quarantine bundle", path, err)
		}
	}
	return nil
}
