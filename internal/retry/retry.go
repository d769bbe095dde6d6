package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/SteelMorgan/allegedly/internal/clock"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/rs/zerolog/log"
)

// Config holds retry configuration
type Config struct {
	Name            string        // Operation name used in log lines
	MaxAttempts     int           // Maximum number of attempts, 0 means unlimited
	InitialDelay    time.Duration // Initial delay before first retry (default: 100ms)
	MaxDelay        time.Duration // Maximum delay between retries (default: 5s)
	Multiplier      float64       // Exponential backoff multiplier (default: 2.0)
	RetryableErrors []string      // List of error substrings that are retryable

	// Retryable overrides the default classification when set.
	Retryable func(error) bool
	Clock     clock.Clock
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		RetryableErrors: []string{
			"connection refused",
			"connection reset",
			"connection lost",
			"timeout",
			"network is unreachable",
			"no such host",
			"temporary failure",
			"code: 999", // ClickHouse: Connection lost
			"code: 241", // ClickHouse: Memory limit exceeded (can be temporary)
			"code: 159", // ClickHouse: Timeout exceeded
			"code: 160", // ClickHouse: Unknown packet from server
			"code: 210", // ClickHouse: Network error
		},
	}
}

// UpstreamConfig retries transient upstream failures the way the ledger
// client does: 12 attempts, capped at a minute.
func UpstreamConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "upstream"
	cfg.MaxAttempts = 12
	cfg.InitialDelay = 500 * time.Millisecond
	cfg.MaxDelay = time.Minute
	return cfg
}

// ForeverConfig never gives up on retryable errors.
func ForeverConfig(name string) Config {
	cfg := UpstreamConfig()
	cfg.Name = name
	cfg.MaxAttempts = 0
	return cfg
}

// StorageConfig is the bounded budget for sink storage failures.
func StorageConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "storage"
	cfg.MaxAttempts = 5
	cfg.InitialDelay = 200 * time.Millisecond
	cfg.MaxDelay = 10 * time.Second
	return cfg
}

// IsRetryableError checks if an error is retryable
func IsRetryableError(err error, cfg Config) bool {
	if err == nil {
		return false
	}
	if cfg.Retryable != nil {
		return cfg.Retryable(err)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	switch errmodel.KindOf(err) {
	case errmodel.KindTransientUpstream, errmodel.KindStorage:
		return true
	case errmodel.KindMalformedData, errmodel.KindConfiguration, errmodel.KindCertificate:
		return false
	}

	// Check for network errors
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Check for connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	// Don't retry on syntax errors (code: 62), validation errors, etc.
	if strings.Contains(errStr, "code: 62") || strings.Contains(errStr, "syntax error") {
		return false
	}

	// Check error message for retryable patterns
	for _, pattern := range cfg.RetryableErrors {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Backoff computes successive delays for loops that manage their own attempts.
type Backoff struct {
	cfg   Config
	delay time.Duration
}

// NewBackoff creates a backoff starting at cfg.InitialDelay.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg, delay: cfg.InitialDelay}
}

// Next returns the delay to wait after err and grows the next one.
// An upstream Retry-After longer than the computed delay wins.
func (b *Backoff) Next(err error) time.Duration {
	d := b.delay
	if ra := errmodel.RetryAfter(err); ra > d {
		d = ra
	}
	next := time.Duration(float64(b.delay) * b.cfg.Multiplier)
	if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
		next = b.cfg.MaxDelay
	}
	if next <= 0 {
		next = b.cfg.InitialDelay
	}
	b.delay = next
	return d
}

// Reset starts over from the initial delay.
func (b *Backoff) Reset() { b.delay = b.cfg.InitialDelay }

// Sleep waits for d on c or until ctx is done.
func Sleep(ctx context.Context, c clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.Or(c).After(d):
		return nil
	}
}

// Do executes a function with retry logic
func Do(ctx context.Context, cfg Config, operation func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, operation()
	})
	return err
}

// DoWithResult executes a function that returns a result with retry logic
func DoWithResult[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	var zero T
	backoff := NewBackoff(cfg)

	for attempt := 1; ; attempt++ {
		// Check context cancellation
		if ctx.Err() != nil {
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		}

		result, err := operation()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("op", cfg.Name).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return result, nil
		}

		if !IsRetryableError(err, cfg) {
			log.Debug().
				Err(err).
				Str("op", cfg.Name).
				Int("attempt", attempt).
				Msg("Error is not retryable, aborting")
			return zero, err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			log.Warn().
				Err(err).
				Str("op", cfg.Name).
				Int("attempt", attempt).
				Int("max_attempts", cfg.MaxAttempts).
				Msg("Max retry attempts reached")
			return zero, fmt.Errorf("operation failed after %d attempts: %w", attempt, err)
		}

		delay := backoff.Next(err)
		log.Warn().
			Err(err).
			Str("op", cfg.Name).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("retry_delay", delay).
			Msg("Operation failed, retrying")

		if err := Sleep(ctx, cfg.Clock, delay); err != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", err)
		}
	}
}
