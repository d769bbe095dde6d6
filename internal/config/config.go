package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/observability"
	"gopkg.in/yaml.v3"
)

const (
	DefaultUpstream     = "https://plc.directory"
	DefaultBulkPrefix   = "https://plc.t3.storage.dev/plc.directory/"
	DefaultBind         = "127.0.0.1:8000"
	DefaultBundleDir    = "./weekly/"
	DefaultBundleAfter  = "2022-11-17T00:00:00Z"
	LetsEncryptURL      = "https://acme-v02.api.letsencrypt.org/directory"
	FailClosed          = "fail-closed"
	FailPlaintext       = "plaintext"
	CursorModeTimestamp = "timestamp"
	CursorModeSeq       = "seq"
)

// Config holds all configuration for the application
type Config struct {
	// Upstream ledger
	Upstream         string        `yaml:"upstream"`
	UpstreamThrottle time.Duration `yaml:"upstream_throttle"`
	UpstreamTimeout  time.Duration `yaml:"upstream_timeout"`
	CursorMode       string        `yaml:"cursor_mode"`

	// StatePath is the bbolt file holding stdout cursors and backfill progress.
	StatePath string `yaml:"state_path"`

	// Sinks shared by tail, bundle and backfill
	After      string   `yaml:"after"`
	Sinks      []string `yaml:"sinks"`
	Dest       string   `yaml:"dest"`
	ToPostgres string   `yaml:"to_postgres"`

	Tail     TailConfig     `yaml:"tail"`
	Bundle   BundleConfig   `yaml:"bundle"`
	Backfill BackfillConfig `yaml:"backfill"`
	Mirror   MirrorConfig   `yaml:"mirror"`

	// Observability
	Log     observability.LogConfig     `yaml:"log"`
	Tracing observability.TracerConfig  `yaml:"tracing"`
	Metrics observability.MetricsConfig `yaml:"metrics"`
}

type TailConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type BundleConfig struct {
	Clobber          bool  `yaml:"clobber"`
	MaxOps           int   `yaml:"max_ops"`
	MaxBytes         int64 `yaml:"max_bytes"`
	ExitWhenCaughtUp bool  `yaml:"exit_when_caught_up"`
}

type BackfillConfig struct {
	HTTP          string `yaml:"http"`
	Dir           string `yaml:"dir"`
	SkipMissing   bool   `yaml:"skip_missing"`
	NoBulk        bool   `yaml:"no_bulk"`
	FromSeq       uint64 `yaml:"from_seq"`
	ToSeq         uint64 `yaml:"to_seq"`
	Span          uint64 `yaml:"span"`
	SourceWorkers int    `yaml:"source_workers"`
	Until         string `yaml:"until"`
	CatchUp       bool   `yaml:"catch_up"`
	RangeAttempts int    `yaml:"range_attempts"`
}

type MirrorConfig struct {
	Wrap               string        `yaml:"wrap"`
	WrapPG             string        `yaml:"wrap_pg"`
	PGInitSchema       bool          `yaml:"pg_init_schema"`
	Bind               string        `yaml:"bind"`
	Freshness          time.Duration `yaml:"freshness"`
	ApplyWritesLocally bool          `yaml:"apply_writes_locally"`
	RateLimit          float64       `yaml:"rate_limit"`
	RateBurst          int           `yaml:"rate_burst"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`

	AcmeDomains       []string      `yaml:"acme_domains"`
	AcmeCachePath     string        `yaml:"acme_cache_path"`
	AcmeDirectoryURL  string        `yaml:"acme_directory_url"`
	AcmeContact       string        `yaml:"acme_contact"`
	AcmeFailurePolicy string        `yaml:"acme_failure_policy"`
	AcmeChallengeBind string        `yaml:"acme_challenge_bind"`
	AcmeStepTimeout   time.Duration `yaml:"acme_step_timeout"`
	AcmeMaxAttempts   int           `yaml:"acme_max_attempts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Upstream:         DefaultUpstream,
		UpstreamThrottle: 600 * time.Millisecond,
		UpstreamTimeout:  30 * time.Second,
		CursorMode:       CursorModeTimestamp,

		Tail: TailConfig{
			QueueSize:    8,
			PollInterval: 5 * time.Second,
		},
		Bundle: BundleConfig{
			MaxOps:   1_000_000,
			MaxBytes: 1 << 30,
		},
		Backfill: BackfillConfig{
			HTTP:          DefaultBulkPrefix,
			Span:          100_000,
			RangeAttempts: 5,
		},
		Mirror: MirrorConfig{
			Bind:              DefaultBind,
			Freshness:         time.Minute,
			RateLimit:         10,
			RateBurst:         50,
			ShutdownGrace:     10 * time.Second,
			AcmeDirectoryURL:  LetsEncryptURL,
			AcmeFailurePolicy: FailClosed,
			AcmeChallengeBind: ":80",
			AcmeStepTimeout:   2 * time.Minute,
			AcmeMaxAttempts:   5,
		},

		Log: observability.LogConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: observability.TracerConfig{
			Protocol: "grpc",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errmodel.Configuration("read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errmodel.Configuration("parse config file", fmt.Errorf("%s: %w", path, err))
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for the given command. Every problem
// here is reported before any network or TLS work starts.
func (c *Config) Validate(command string) error {
	if err := validateURL("--upstream", c.Upstream); err != nil {
		return err
	}
	if c.CursorMode != CursorModeTimestamp && c.CursorMode != CursorModeSeq {
		return errmodel.Configf("--cursor-mode must be %q or %q, got %q", CursorModeTimestamp, CursorModeSeq, c.CursorMode)
	}
	if c.UpstreamThrottle < 0 {
		return errmodel.Configf("--upstream-throttle-ms must not be negative")
	}
	for _, s := range c.Sinks {
		switch s {
		case "stdout", "bundle", "relational":
		default:
			return errmodel.Configf("unknown sink %q (use stdout, bundle or relational)", s)
		}
		if s == "relational" && c.ToPostgres == "" {
			return errmodel.Configf("sink relational requires --to-postgres")
		}
	}
	if c.After != "" {
		_, seqErr := strconv.ParseUint(c.After, 10, 64)
		if _, err := time.Parse(time.RFC3339, c.After); err != nil && (seqErr != nil || !c.SeqMode()) {
			return errmodel.Configf("--after must be RFC3339 (or a sequence number with --cursor-mode seq): %v", err)
		}
	}

	switch command {
	case "bundle":
		if c.Bundle.MaxOps < 0 || c.Bundle.MaxBytes < 0 {
			return errmodel.Configf("--max-ops and --max-bytes must not be negative")
		}
	case "backfill":
		b := c.Backfill
		if b.Dir != "" && b.HTTP != DefaultBulkPrefix && b.HTTP != "" {
			return errmodel.Configf("--dir and --http are mutually exclusive")
		}
		if b.SkipMissing && b.Dir == "" {
			return errmodel.Configf("--skip-missing only applies to --dir")
		}
		if b.SourceWorkers < 0 {
			return errmodel.Configf("--source-workers must be at least 1")
		}
		if b.RangeAttempts < 1 {
			return errmodel.Configf("--range-attempts must be at least 1")
		}
		if b.NoBulk && b.ToSeq > 0 && b.ToSeq <= b.FromSeq {
			return errmodel.Configf("--to-seq must be greater than --from-seq")
		}
		if b.NoBulk && b.Span == 0 {
			return errmodel.Configf("--span must be positive")
		}
		if b.Until != "" {
			if _, err := time.Parse(time.RFC3339, b.Until); err != nil {
				return errmodel.Configf("--until must be RFC3339: %v", err)
			}
		}
	case "mirror":
		m := c.Mirror
		if m.Wrap == "" {
			return errmodel.Configf("mirror requires --wrap")
		}
		if err := validateURL("--wrap", m.Wrap); err != nil {
			return err
		}
		if m.WrapPG == "" {
			return errmodel.Configf("--wrap requires --wrap-pg (or ALLEGEDLY_WRAP_PG)")
		}
		if len(m.AcmeDomains) > 0 {
			if m.AcmeCachePath == "" {
				return errmodel.Configf("--acme-domain requires --acme-cache-path")
			}
			if err := validateURL("--acme-directory-url", m.AcmeDirectoryURL); err != nil {
				return err
			}
		}
		if m.AcmeFailurePolicy != FailClosed && m.AcmeFailurePolicy != FailPlaintext {
			return errmodel.Configf("--acme-failure-policy must be %q or %q", FailClosed, FailPlaintext)
		}
		if m.RateLimit <= 0 || m.RateBurst < 1 {
			return errmodel.Configf("--rate-limit and --rate-burst must be positive")
		}
		if m.Freshness <= 0 {
			return errmodel.Configf("--freshness must be positive")
		}
	}
	return nil
}

// SeqMode reports whether cursors track sequence numbers.
func (c *Config) SeqMode() bool { return c.CursorMode == CursorModeSeq }

func validateURL(flag, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errmodel.Configf("%s must be an absolute URL, got %q", flag, raw)
	}
	return nil
}

// parseList parses a comma or semicolon separated list
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
