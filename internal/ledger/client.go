// Package ledger talks to the upstream ledger: paged export reads, audit
// log lookups and bulk bundle downloads.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/observability"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// MaxPageSize is the largest page the export endpoint serves.
const MaxPageSize = 1000

// Config configures the upstream client.
type Config struct {
	Upstream  string
	Throttle  time.Duration // minimum spacing between requests
	Timeout   time.Duration // per-call bound
	SeqMode   bool
	UserAgent string
	Metrics   *observability.Metrics

	// HTTPClient overrides the instrumented default transport.
	HTTPClient *http.Client
}

// Client reads pages from the upstream export endpoint.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a client for cfg.Upstream.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.Upstream, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errmodel.Configf("invalid upstream URL %q", cfg.Upstream)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "allegedly"
	}

	limit := rate.Inf
	if cfg.Throttle > 0 {
		limit = rate.Every(cfg.Throttle)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = NewHTTPClient()
	}

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    hc,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// NewHTTPClient returns an HTTP client with tracing on its transport.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// Upstream returns the base URL.
func (c *Client) Upstream() *url.URL { return c.base }

// SeqMode reports whether export pages are requested by sequence number.
func (c *Client) SeqMode() bool { return c.cfg.SeqMode }

// FetchBatch returns up to limit ops strictly after cursor, and the cursor
// after them. An empty page with an unchanged cursor means no new data yet.
func (c *Client) FetchBatch(ctx context.Context, cursor domain.Cursor, limit int) ([]domain.Op, domain.Cursor, error) {
	if limit < 1 || limit > MaxPageSize {
		return nil, cursor, errmodel.Configf("page size %d out of range [1, %d]", limit, MaxPageSize)
	}

	after := cursor.After(c.cfg.SeqMode)
	ctx, span := observability.StartSpan(ctx, "ledger.fetch_batch",
		attribute.String("ledger.after", after),
		attribute.Int("ledger.limit", limit),
	)
	var err error
	defer func() { observability.EndSpan(span, err, "fetch batch") }()

	if err = c.limiter.Wait(ctx); err != nil {
		return nil, cursor, err
	}

	started := time.Now()
	var ops []domain.Op
	ops, err = c.fetchPage(ctx, after, limit)
	if err != nil {
		c.cfg.Metrics.FetchFailed(string(errmodel.KindOf(err)))
		return nil, cursor, err
	}
	c.cfg.Metrics.Fetched(len(ops), time.Since(started))

	kept := domain.Batch{Ops: ops}.Trim(cursor)
	next := cursor.Advance(kept)
	span.SetAttributes(attribute.Int("ledger.ops", len(kept)))

	log.Debug().
		Str("after", after).
		Int("received", len(ops)).
		Int("kept", len(kept)).
		Str("next", next.String()).
		Msg("Fetched export page")

	return kept, next, nil
}

func (c *Client) fetchPage(ctx context.Context, after string, limit int) ([]domain.Op, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.base.JoinPath("export")
	q := u.Query()
	q.Set("count", strconv.Itoa(limit))
	if after != "" {
		q.Set("after", after)
	}
	u.RawQuery = q.Encode()

	resp, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus("export", resp); err != nil {
		return nil, err
	}
	return decodePage(resp.Body, c.cfg.SeqMode)
}

// Audit returns the audit log of did, oldest first.
func (c *Client) Audit(ctx context.Context, did string) ([]domain.Op, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.get(ctx, c.base.JoinPath(did, "log", "audit").String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus("audit", resp); err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errmodel.Malformed("decode audit log", err)
	}
	ops := make([]domain.Op, 0, len(raw))
	for _, r := range raw {
		op, err := domain.ParseOp(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (c *Client) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errmodel.Configuration("build request", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := context.Cause(ctx); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		return nil, errmodel.Transient("request "+req.URL.Path, err)
	}
	return resp, nil
}

// checkStatus classifies a non-200 response.
func checkStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return errmodel.TransientAfter(op, fmt.Errorf("upstream rate limited (429)"), wait)
	case resp.StatusCode == http.StatusNotFound:
		return errmodel.New(errmodel.KindMalformedData, op, "", fmt.Errorf("%w: upstream returned 404", errmodel.ErrNotFound))
	case resp.StatusCode >= 500:
		return errmodel.Transient(op, fmt.Errorf("upstream returned %s", resp.Status))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errmodel.Malformedf(op, "upstream rejected request: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
}

// decodePage reads newline-delimited ops and checks they are in ledger order.
func decodePage(r io.Reader, seqMode bool) ([]domain.Op, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var ops []domain.Op

	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			op, perr := domain.ParseOp(line)
			if perr != nil {
				return nil, perr
			}
			if n := len(ops); n > 0 {
				prev := ops[n-1]
				if op.CreatedAt.Before(prev.CreatedAt) {
					return nil, errmodel.Malformedf("decode page", "op %s goes back in time (%s < %s)", op.Key(), op.CreatedAt, prev.CreatedAt)
				}
				if seqMode && op.Seq <= prev.Seq {
					return nil, errmodel.Malformedf("decode page", "op %s has non-increasing seq %d after %d", op.Key(), op.Seq, prev.Seq)
				}
			}
			if seqMode && op.Seq == 0 {
				return nil, errmodel.Malformedf("decode page", "op %s has no seq", op.Key())
			}
			ops = append(ops, op)
		}
		if err == io.EOF {
			return ops, nil
		}
		if err != nil {
			return nil, errmodel.Transient("read page", err)
		}
	}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
