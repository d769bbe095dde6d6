// Package mirror serves the ledger's read API from a wrapped local server
// while the mirror is fresh, and from upstream otherwise.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/SteelMorgan/allegedly/internal/certs"
	"github.com/SteelMorgan/allegedly/internal/clock"
	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/observability"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
)

const (
	targetWrapped  = "wrapped"
	targetUpstream = "upstream"
)

// Freshness reports when the local mirror last caught up with upstream.
type Freshness interface {
	LastCaughtUp() time.Time
}

// Auditor fetches a DID's audit log from upstream.
type Auditor interface {
	Audit(ctx context.Context, did string) ([]domain.Op, error)
}

// OpWriter stores ops in the wrapped server's database.
type OpWriter interface {
	InsertOps(ctx context.Context, ops []domain.Op) error
}

// Config configures a Server.
type Config struct {
	Wrapped   string
	Upstream  string
	Freshness time.Duration
	Version   string

	Bind          string
	ShutdownGrace time.Duration
	RateLimit     float64 // requests per second per client; 0 disables
	RateBurst     int

	// Auditor and Writer together enable applying accepted writes locally.
	Auditor Auditor
	Writer  OpWriter
	// ApplyTimeout bounds the local apply that holds up a write response.
	ApplyTimeout time.Duration

	// Certs, when set, serves TLS on Bind and http-01 challenges on ChallengeBind.
	Certs         *certs.Manager
	ChallengeBind string
	FailurePolicy string

	Transport http.RoundTripper
	Clock     clock.Clock
	Metrics   *observability.Metrics
}

// Server is the mirror HTTP front end.
type Server struct {
	cfg      Config
	tracker  Freshness
	wrapped  *url.URL
	upstream *url.URL
	client   *http.Client

	toWrapped  *httputil.ReverseProxy
	toUpstream *httputil.ReverseProxy
	limiter    *Limiter
	health     singleflight.Group
	handler    http.Handler
}

type didKey struct{}

// New builds the router. tracker is usually the tail engine feeding the
// wrapped server's database.
func New(cfg Config, tracker Freshness) (*Server, error) {
	wrapped, err := url.Parse(strings.TrimRight(cfg.Wrapped, "/"))
	if err != nil || wrapped.Host == "" {
		return nil, errmodel.Configf("invalid wrapped server URL %q", cfg.Wrapped)
	}
	upstream, err := url.Parse(strings.TrimRight(cfg.Upstream, "/"))
	if err != nil || upstream.Host == "" {
		return nil, errmodel.Configf("invalid upstream URL %q", cfg.Upstream)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	cfg.Clock = clock.Or(cfg.Clock)

	s := &Server{
		cfg:      cfg,
		tracker:  tracker,
		wrapped:  wrapped,
		upstream: upstream,
		client:   &http.Client{Transport: cfg.Transport, Timeout: 3 * time.Second},
	}
	s.toWrapped = s.proxy(wrapped, targetWrapped)
	s.toUpstream = s.proxy(upstream, targetUpstream)
	if cfg.RateLimit > 0 {
		s.limiter = NewLimiter(cfg.RateLimit, cfg.RateBurst, cfg.Clock)
	}
	s.handler = otelhttp.NewHandler(s.routes(), "mirror")
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler { return s.handler }

// Limiter returns the rate limiter, or nil when limiting is off.
func (s *Server) Limiter() *Limiter { return s.limiter }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/", s.banner)
	r.Get("/_health", s.healthz)
	r.Method(http.MethodGet, "/_metrics", s.cfg.Metrics.Handler())

	for _, p := range []string{"/export", "/{did}", "/{did}/data", "/{did}/log", "/{did}/log/audit", "/{did}/log/last"} {
		r.Get(p, s.read)
		r.Head(p, s.read)
	}
	r.Post("/{did}", s.write)
	return r
}

// Fresh reports whether the wrapped server is within the freshness bound.
func (s *Server) Fresh() bool {
	if s.tracker == nil {
		return false
	}
	last := s.tracker.LastCaughtUp()
	if last.IsZero() {
		return false
	}
	return s.cfg.Clock.Now().Sub(last) <= s.cfg.Freshness
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	if s.Fresh() {
		s.toWrapped.ServeHTTP(w, r)
		return
	}
	zerolog.Ctx(r.Context()).Debug().Str("path", r.URL.Path).Msg("Mirror stale, forwarding upstream")
	s.toUpstream.ServeHTTP(w, r)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), didKey{}, chi.URLParam(r, "did"))
	s.toUpstream.ServeHTTP(w, r.WithContext(ctx))
}

func (s *Server) proxy(target *url.URL, name string) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: s.cfg.Transport,
		ModifyResponse: func(resp *http.Response) error {
			s.cfg.Metrics.Proxied(name, resp.StatusCode)
			if name == targetUpstream && resp.Request.Method == http.MethodPost {
				s.afterWrite(resp)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.cfg.Metrics.Proxied(name, http.StatusBadGateway)
			zerolog.Ctx(r.Context()).Error().Err(err).Str("target", name).Str("path", r.URL.Path).Msg("Proxy request failed")
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprintf(w, "%s\n\nFailed to reach the %s PLC server. Sorry.\n", logo("mirror 502 :("), name)
		},
	}
}

// afterWrite applies an accepted write to the local database so this
// mirror serves it before the tail engine catches up.
func (s *Server) afterWrite(resp *http.Response) {
	if s.cfg.Auditor == nil || s.cfg.Writer == nil {
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return
	}
	did, _ := resp.Request.Context().Value(didKey{}).(string)
	if did == "" {
		return
	}
	ctx, cancel := context.WithTimeout(resp.Request.Context(), s.cfg.ApplyTimeout)
	defer cancel()
	logger := zerolog.Ctx(ctx).With().Str("did", did).Logger()

	ops, err := s.cfg.Auditor.Audit(ctx, did)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to fetch audit log after write")
		return
	}
	if len(ops) == 0 {
		return
	}
	if err := s.cfg.Writer.InsertOps(ctx, ops[len(ops)-1:]); err != nil {
		logger.Warn().Err(err).Msg("Failed to apply write locally")
		return
	}
	logger.Debug().Msg("Applied write locally")
}

func (s *Server) banner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, `%s

This is a PLC mirror running allegedly in wrap mode. It keeps a local PLC
reference server in sync with upstream and proxies reads to it while it is
fresh (within %s of upstream). Writes are forwarded upstream.


Configured upstream:

    %s


Available APIs:

    - All PLC GET requests.
    - POST /{did} (forwarded to upstream).

    try `+"`GET /{did}`"+` to resolve an identity
`, logo("mirror"), s.cfg.Freshness, s.upstream)
}

type healthResponse struct {
	Server       string    `json:"server"`
	Version      string    `json:"version"`
	Fresh        bool      `json:"fresh"`
	LastCaughtUp time.Time `json:"last_caught_up,omitzero"`
	Wrapped      struct {
		Status int    `json:"status,omitempty"`
		Error  string `json:"error,omitempty"`
	} `json:"wrapped"`
}

type wrappedHealth struct {
	status int
	err    error
}

// healthz reports freshness and the wrapped server's own health check.
// Concurrent callers share one probe.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	v, _, _ := s.health.Do("wrapped", func() (any, error) {
		return s.probeWrapped(r.Context()), nil
	})
	probe := v.(wrappedHealth)

	resp := healthResponse{Server: "allegedly", Version: s.cfg.Version, Fresh: s.Fresh()}
	if s.tracker != nil {
		resp.LastCaughtUp = s.tracker.LastCaughtUp()
	}
	code := http.StatusOK
	if probe.err != nil {
		resp.Wrapped.Error = probe.err.Error()
		code = http.StatusServiceUnavailable
	} else {
		resp.Wrapped.Status = probe.status
		if probe.status != http.StatusOK {
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) probeWrapped(ctx context.Context) wrappedHealth {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.wrapped.JoinPath("_health").String(), nil)
	if err != nil {
		return wrappedHealth{err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return wrappedHealth{err: err}
	}
	resp.Body.Close()
	return wrappedHealth{status: resp.StatusCode}
}

// requestID tags each request with an X-Request-Id and a logger carrying it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		logger := log.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func logo(name string) string {
	return fmt.Sprintf(`     _ _               _ _
 ___| | |___ ___ ___ _| | |_ _
| .'| | | -_| . | -_| . | | | |
|__,|_|_|___|_  |___|___|_|_  |
            |___|         |___|  %s`, name)
}
