package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/SteelMorgan/allegedly/internal/errmodel"
)

// field binds one setting to its command-line flag and environment variable.
type field struct {
	flag string
	env  string
	set  func(c *Config, v string) error
}

func str(p func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *p(c) = v; return nil }
}

func list(p func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error { *p(c) = parseList(v); return nil }
}

func boolean(p func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p(c) = b
		return nil
	}
}

func integer(p func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p(c) = n
		return nil
	}
}

func unsigned(p func(*Config) *uint64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*p(c) = n
		return nil
	}
}

func float(p func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*p(c) = f
		return nil
	}
}

func duration(p func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p(c) = d
		return nil
	}
}

func millis(p func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p(c) = time.Duration(n) * time.Millisecond
		return nil
	}
}

var fields = []field{
	{"upstream", "ALLEGEDLY_UPSTREAM", str(func(c *Config) *string { return &c.Upstream })},
	{"upstream-throttle-ms", "ALLEGEDLY_UPSTREAM_THROTTLE_MS", millis(func(c *Config) *time.Duration { return &c.UpstreamThrottle })},
	{"upstream-timeout", "ALLEGEDLY_UPSTREAM_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.UpstreamTimeout })},
	{"cursor-mode", "ALLEGEDLY_CURSOR_MODE", str(func(c *Config) *string { return &c.CursorMode })},
	{"state", "ALLEGEDLY_STATE", str(func(c *Config) *string { return &c.StatePath })},

	{"after", "ALLEGEDLY_AFTER", str(func(c *Config) *string { return &c.After })},
	{"sink", "ALLEGEDLY_SINKS", list(func(c *Config) *[]string { return &c.Sinks })},
	{"dest", "ALLEGEDLY_DEST", str(func(c *Config) *string { return &c.Dest })},
	{"to-postgres", "ALLEGEDLY_TO_POSTGRES", str(func(c *Config) *string { return &c.ToPostgres })},

	{"queue-size", "ALLEGEDLY_QUEUE_SIZE", integer(func(c *Config) *int { return &c.Tail.QueueSize })},
	{"poll-interval", "ALLEGEDLY_POLL_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Tail.PollInterval })},

	{"clobber", "", boolean(func(c *Config) *bool { return &c.Bundle.Clobber })},
	{"max-ops", "ALLEGEDLY_BUNDLE_MAX_OPS", integer(func(c *Config) *int { return &c.Bundle.MaxOps })},
	{"max-bytes", "ALLEGEDLY_BUNDLE_MAX_BYTES", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Bundle.MaxBytes = n
		return nil
	}},
	{"exit-when-caught-up", "", boolean(func(c *Config) *bool { return &c.Bundle.ExitWhenCaughtUp })},

	{"http", "ALLEGEDLY_BACKFILL_HTTP", str(func(c *Config) *string { return &c.Backfill.HTTP })},
	{"dir", "ALLEGEDLY_BACKFILL_DIR", str(func(c *Config) *string { return &c.Backfill.Dir })},
	{"skip-missing", "", boolean(func(c *Config) *bool { return &c.Backfill.SkipMissing })},
	{"no-bulk", "", boolean(func(c *Config) *bool { return &c.Backfill.NoBulk })},
	{"from-seq", "", unsigned(func(c *Config) *uint64 { return &c.Backfill.FromSeq })},
	{"to-seq", "", unsigned(func(c *Config) *uint64 { return &c.Backfill.ToSeq })},
	{"span", "", unsigned(func(c *Config) *uint64 { return &c.Backfill.Span })},
	{"source-workers", "ALLEGEDLY_SOURCE_WORKERS", integer(func(c *Config) *int { return &c.Backfill.SourceWorkers })},
	{"until", "", str(func(c *Config) *string { return &c.Backfill.Until })},
	{"catch-up", "", boolean(func(c *Config) *bool { return &c.Backfill.CatchUp })},
	{"range-attempts", "", integer(func(c *Config) *int { return &c.Backfill.RangeAttempts })},

	{"wrap", "ALLEGEDLY_WRAP", str(func(c *Config) *string { return &c.Mirror.Wrap })},
	{"wrap-pg", "ALLEGEDLY_WRAP_PG", str(func(c *Config) *string { return &c.Mirror.WrapPG })},
	{"pg-init-schema", "", boolean(func(c *Config) *bool { return &c.Mirror.PGInitSchema })},
	{"bind", "ALLEGEDLY_BIND", str(func(c *Config) *string { return &c.Mirror.Bind })},
	{"freshness", "ALLEGEDLY_FRESHNESS", duration(func(c *Config) *time.Duration { return &c.Mirror.Freshness })},
	{"apply-writes-locally", "", boolean(func(c *Config) *bool { return &c.Mirror.ApplyWritesLocally })},
	{"rate-limit", "ALLEGEDLY_RATE_LIMIT", float(func(c *Config) *float64 { return &c.Mirror.RateLimit })},
	{"rate-burst", "ALLEGEDLY_RATE_BURST", integer(func(c *Config) *int { return &c.Mirror.RateBurst })},
	{"shutdown-grace", "", duration(func(c *Config) *time.Duration { return &c.Mirror.ShutdownGrace })},
	{"acme-domain", "ALLEGEDLY_ACME_DOMAIN", list(func(c *Config) *[]string { return &c.Mirror.AcmeDomains })},
	{"acme-cache-path", "ALLEGEDLY_ACME_CACHE_PATH", str(func(c *Config) *string { return &c.Mirror.AcmeCachePath })},
	{"acme-directory-url", "ALLEGEDLY_ACME_DIRECTORY_URL", str(func(c *Config) *string { return &c.Mirror.AcmeDirectoryURL })},
	{"acme-contact", "ALLEGEDLY_ACME_CONTACT", str(func(c *Config) *string { return &c.Mirror.AcmeContact })},
	{"acme-failure-policy", "ALLEGEDLY_ACME_FAILURE_POLICY", str(func(c *Config) *string { return &c.Mirror.AcmeFailurePolicy })},
	{"acme-challenge-bind", "", str(func(c *Config) *string { return &c.Mirror.AcmeChallengeBind })},

	{"log-level", "LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"log-format", "LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"log-file", "LOG_FILE", str(func(c *Config) *string { return &c.Log.File })},
	{"tracing", "TRACING_ENABLED", boolean(func(c *Config) *bool { return &c.Tracing.Enabled })},
	{"tracing-endpoint", "TRACING_ENDPOINT", str(func(c *Config) *string { return &c.Tracing.Endpoint })},
	{"tracing-protocol", "TRACING_PROTOCOL", str(func(c *Config) *string { return &c.Tracing.Protocol })},
	{"tracing-insecure", "TRACING_INSECURE", boolean(func(c *Config) *bool { return &c.Tracing.Insecure })},
	{"metrics-addr", "METRICS_ADDR", str(func(c *Config) *string { return &c.Metrics.Address })},
}

func (c *Config) applyEnv() error {
	for _, f := range fields {
		if f.env == "" {
			continue
		}
		v, ok := os.LookupEnv(f.env)
		if !ok || v == "" {
			continue
		}
		if err := f.set(c, v); err != nil {
			return errmodel.Configuration("environment", fmt.Errorf("%s=%q: %w", f.env, v, err))
		}
	}
	return nil
}

// ApplyFlags applies explicitly set command-line flags, keyed by flag name.
// List flags are passed comma-joined. Unknown names are ignored so that
// commands can define flags this package does not model.
func (c *Config) ApplyFlags(changed map[string]string) error {
	for _, f := range fields {
		v, ok := changed[f.flag]
		if !ok {
			continue
		}
		if err := f.set(c, v); err != nil {
			return errmodel.Configuration("flags", fmt.Errorf("--%s=%q: %w", f.flag, v, err))
		}
	}
	return nil
}

// EnvFor returns the environment variable bound to flag, if any.
func EnvFor(flag string) string {
	for _, f := range fields {
		if f.flag == flag {
			return f.env
		}
	}
	return ""
}
