package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Fetched(10, time.Second)
	m.Applied("stdout", 1, time.Millisecond, nil)
	m.Sealed()
	m.Proxied("wrapped", 200)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil metrics handler status = %d", rec.Code)
	}
}

func TestMetricsHandlerExportsCounters(t *testing.T) {
	m := NewMetrics()
	m.Fetched(5, 10*time.Millisecond)
	m.Applied("bundle", 5, time.Millisecond, nil)
	m.Applied("bundle", 0, time.Millisecond, errors.New("disk"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"allegedly_ops_fetched_total 5",
		`allegedly_ops_applied_total{sink="bundle"} 5`,
		`allegedly_batches_total{sink="bundle",status="error"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLogLevel(tt.input); got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
