package errmodel

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"transient", Transient("fetch", errors.New("502")), KindTransientUpstream},
		{"wrapped storage", fmt.Errorf("apply: %w", Storage("insert", "pg", errors.New("conn"))), KindStorage},
		{"malformed", Malformedf("decode", "line %d", 3), KindMalformedData},
		{"config", Configf("missing %s", "--wrap-pg"), KindConfiguration},
		{"certificate", Certificate("order", errors.New("denied")), KindCertificate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("page: %w", TransientAfter("fetch", errors.New("429"), 3*time.Second))
	if got := RetryAfter(err); got != 3*time.Second {
		t.Errorf("RetryAfter() = %v, want 3s", got)
	}
	if got := RetryAfter(errors.New("x")); got != 0 {
		t.Errorf("RetryAfter(plain) = %v, want 0", got)
	}
}

func TestWithSubject(t *testing.T) {
	base := Storage("commit", "", errors.New("disk full"))
	err := WithSubject(base, "bundle")
	if !strings.Contains(err.Error(), "[bundle]") {
		t.Errorf("error %q does not name subject", err)
	}
	if base.Subject != "" {
		t.Errorf("original error was modified")
	}
	if !errors.Is(err, base.Err) {
		t.Errorf("cause lost")
	}

	plain := WithSubject(errors.New("x"), "range-1")
	if plain.Error() != "range-1: x" {
		t.Errorf("plain = %q", plain)
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(Transient("wrap", errors.New("x"))); got != http.StatusBadGateway {
		t.Errorf("transient status = %d", got)
	}
	if got := HTTPStatus(errors.New("x")); got != http.StatusInternalServerError {
		t.Errorf("unknown status = %d", got)
	}
}
