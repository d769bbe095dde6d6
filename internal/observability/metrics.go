package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"; empty means served only by the mirror
}

// Metrics holds every collector the process exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Counters
	OpsFetched       prometheus.Counter
	OpsApplied       *prometheus.CounterVec
	BatchesApplied   *prometheus.CounterVec
	BundlesSealed    prometheus.Counter
	BackfillRanges   *prometheus.CounterVec
	ProxyRequests    *prometheus.CounterVec
	CertTransitions  *prometheus.CounterVec
	UpstreamFailures *prometheus.CounterVec

	// Gauges
	SinkLag    *prometheus.GaugeVec
	QueueDepth *prometheus.GaugeVec
	CertState  prometheus.Gauge

	// Histograms
	FetchDuration prometheus.Histogram
	ApplyDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.OpsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "allegedly",
		Name:      "ops_fetched_total",
		Help:      "Ops fetched from upstream",
	})
	m.OpsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "allegedly",
		Name:      "ops_applied_total",
		Help:      "Ops applied per sink",
	}, []string{"sink"})
	m.BatchesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "allegedly",
		Name:      "batches_total",
		Help:      "Sink batches by outcome",
	}, []string{"sink", "status"})
	m.BundlesSealed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "allegedly",
		Name:      "bundles_sealed_total",
		Help:      "Bundles sealed to disk",
	})
	m.BackfillRanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "allegedly",
		Name:      "backfill_ranges_total",
		Help:      "Backfill ranges by final status",
	}, []string{"status"})
	m.ProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "allegedly",
		Name:      "proxy_requests_total",
		Help:      "Mirror requests by target and status code",
	}, []string{"target", "code"})
	m.CertTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "allegedly",
		Name:      "certificate_transitions_total",
		Help:      "Certificate manager state transitions",
	}, []string{"state"})
	m.UpstreamFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "allegedly",
		Name:      "upstream_failures_total",
		Help:      "Upstream fetch failures by error kind",
	}, []string{"kind"})

	m.SinkLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "allegedly",
		Name:      "sink_lag_seconds",
		Help:      "Age of the newest op committed by each sink",
	}, []string{"sink"})
	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "allegedly",
		Name:      "sink_queue_depth",
		Help:      "Pending pages in each sink's hand-off queue",
	}, []string{"sink"})
	m.CertState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "allegedly",
		Name:      "certificate_state",
		Help:      "Current certificate manager state",
	})

	m.FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "allegedly",
		Name:      "fetch_duration_seconds",
		Help:      "Upstream page fetch latency",
		Buckets:   prometheus.DefBuckets,
	})
	m.ApplyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "allegedly",
		Name:      "apply_duration_seconds",
		Help:      "Sink batch apply latency",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	}, []string{"sink"})

	m.registry.MustRegister(
		m.OpsFetched, m.OpsApplied, m.BatchesApplied, m.BundlesSealed,
		m.BackfillRanges, m.ProxyRequests, m.CertTransitions, m.UpstreamFailures,
		m.SinkLag, m.QueueDepth, m.CertState,
		m.FetchDuration, m.ApplyDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the registry on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Metrics) Fetched(n int, took time.Duration) {
	if m == nil {
		return
	}
	m.OpsFetched.Add(float64(n))
	m.FetchDuration.Observe(took.Seconds())
}

func (m *Metrics) FetchFailed(kind string) {
	if m == nil {
		return
	}
	m.UpstreamFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Applied(sink string, n int, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	} else {
		m.OpsApplied.WithLabelValues(sink).Add(float64(n))
	}
	m.BatchesApplied.WithLabelValues(sink, status).Inc()
	m.ApplyDuration.WithLabelValues(sink).Observe(took.Seconds())
}

func (m *Metrics) Lag(sink string, newest time.Time) {
	if m == nil || newest.IsZero() {
		return
	}
	m.SinkLag.WithLabelValues(sink).Set(time.Since(newest).Seconds())
}

func (m *Metrics) Queue(sink string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(sink).Set(float64(depth))
}

func (m *Metrics) Sealed() {
	if m == nil {
		return
	}
	m.BundlesSealed.Inc()
}

func (m *Metrics) Range(status string) {
	if m == nil {
		return
	}
	m.BackfillRanges.WithLabelValues(status).Inc()
}

func (m *Metrics) Proxied(target string, code int) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(target, strconv.Itoa(code)).Inc()
}

func (m *Metrics) CertificateState(state string, ordinal int) {
	if m == nil {
		return
	}
	m.CertTransitions.WithLabelValues(state).Inc()
	m.CertState.Set(float64(ordinal))
}
