package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SteelMorgan/allegedly/internal/clock"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
)

func testConfig(attempts int) Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = attempts
	cfg.Clock = clock.NewAutoFake(time.Unix(0, 0))
	return cfg
}

func TestIsRetryableError(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", errmodel.Transient("fetch", errors.New("503")), true},
		{"storage", errmodel.Storage("commit", "pg", errors.New("x")), true},
		{"malformed", errmodel.Malformedf("decode", "bad"), false},
		{"config", errmodel.Configf("bad"), false},
		{"pattern", errors.New("dial tcp: connection refused"), true},
		{"clickhouse syntax", errors.New("code: 62, syntax error"), false},
		{"canceled", context.Canceled, false},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err, cfg); got != tt.want {
				t.Errorf("IsRetryableError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), testConfig(5), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errmodel.Transient("fetch", errors.New("502"))
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("DoWithResult() = %d, %v", got, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsAtBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testConfig(4), func() error {
		calls++
		return errmodel.Storage("commit", "pg", errors.New("down"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if !errmodel.Is(err, errmodel.KindStorage) {
		t.Errorf("kind lost: %v", err)
	}
}

func TestDoNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testConfig(4), func() error {
		calls++
		return errmodel.Malformedf("decode", "bad line")
	})
	if err == nil || calls != 1 {
		t.Errorf("calls = %d, err = %v", calls, err)
	}
}

func TestUnlimitedAttempts(t *testing.T) {
	cfg := testConfig(0)
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 50 {
			return errmodel.Transient("fetch", errors.New("503"))
		}
		return nil
	})
	if err != nil || calls != 50 {
		t.Errorf("calls = %d, err = %v", calls, err)
	}
}

func TestBackoffHonoursRetryAfter(t *testing.T) {
	cfg := DefaultConfig()
	b := NewBackoff(cfg)

	if d := b.Next(errors.New("x")); d != 100*time.Millisecond {
		t.Errorf("first delay = %v", d)
	}
	if d := b.Next(errmodel.TransientAfter("fetch", errors.New("429"), 7*time.Second)); d != 7*time.Second {
		t.Errorf("retry-after delay = %v", d)
	}
	for i := 0; i < 20; i++ {
		b.Next(nil)
	}
	if d := b.Next(nil); d != cfg.MaxDelay {
		t.Errorf("capped delay = %v, want %v", d, cfg.MaxDelay)
	}
	b.Reset()
	if d := b.Next(nil); d != cfg.InitialDelay {
		t.Errorf("after reset = %v", d)
	}
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Do(ctx, testConfig(3), func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
