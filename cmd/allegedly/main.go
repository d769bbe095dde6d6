package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SteelMorgan/allegedly/internal/config"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/observability"
	"github.com/SteelMorgan/allegedly/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries state from PersistentPreRunE into the command bodies.
type app struct {
	configPath string
	cfg        *config.Config
	shutdown   func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	def := config.Default()

	rootCmd := &cobra.Command{
		Use:           "allegedly",
		Short:         "Mirror, archive and replay the PLC operation log",
		Version:       service.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.shutdown == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.shutdown(ctx)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", os.Getenv("ALLEGEDLY_CONFIG"), "YAML config file")
	pf.String("upstream", def.Upstream, "Upstream PLC server")
	pf.Int("upstream-throttle-ms", int(def.UpstreamThrottle/time.Millisecond), "Minimum delay between upstream requests in ms")
	pf.Duration("upstream-timeout", def.UpstreamTimeout, "Upstream request timeout")
	pf.String("cursor-mode", def.CursorMode, "Export paging: timestamp|seq")
	pf.String("state", "", "bbolt file for stdout cursors and backfill progress")
	pf.String("log-level", def.Log.Level, "Log level: trace|debug|info|warn|error")
	pf.String("log-format", def.Log.Format, "Log format: console|json")
	pf.String("log-file", "", "Also append JSON logs to this file")
	pf.Bool("tracing", false, "Export OpenTelemetry traces")
	pf.String("tracing-endpoint", "", "OTLP collector endpoint")
	pf.String("tracing-protocol", def.Tracing.Protocol, "OTLP protocol: grpc|http")
	pf.Bool("tracing-insecure", false, "Disable TLS to the OTLP collector")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	annotateEnv(pf)

	rootCmd.AddCommand(
		newTailCmd(a, def),
		newBundleCmd(a, def),
		newBackfillCmd(a, def),
		newMirrorCmd(a, def),
	)
	return rootCmd
}

// setup layers flags over the file and environment, then starts logging and
// tracing for the command.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return report(err)
	}
	changed := make(map[string]string)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			changed[f.Name] = strings.Join(sv.GetSlice(), ",")
			return
		}
		changed[f.Name] = f.Value.String()
	})
	if err := cfg.ApplyFlags(changed); err != nil {
		return report(err)
	}
	if err := cfg.Validate(cmd.Name()); err != nil {
		return report(err)
	}

	observability.InitLogger(cfg.Log)
	log.Info().
		Str("version", service.Version).
		Str("command", cmd.Name()).
		Str("upstream", cfg.Upstream).
		Msg("Starting allegedly")

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "allegedly"
	}
	cfg.Tracing.ServiceVersion = service.Version
	shutdown, err := observability.InitTracer(cmd.Context(), cfg.Tracing)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		a.shutdown = shutdown
	}

	a.cfg = cfg
	return nil
}

// run builds a service for the command and closes it afterwards.
func (a *app) run(cmd *cobra.Command, fn func(*service.Service, context.Context) error) error {
	svc, err := service.New(a.cfg, os.Stdout)
	if err != nil {
		return report(err)
	}
	err = fn(svc, cmd.Context())
	if cerr := svc.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("Error during shutdown")
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return report(err)
	}
	log.Info().Str("command", cmd.Name()).Msg("Stopped")
	return nil
}

// report logs err once with its kind; cobra's own printing is silenced.
func report(err error) error {
	log.Error().Err(err).Str("kind", string(errmodel.KindOf(err))).Msg("Command failed")
	return err
}

func newTailCmd(a *app, def *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow upstream live and write ops to one or more sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, (*service.Service).RunTail)
		},
	}
	f := cmd.Flags()
	f.String("after", "", "Start after this RFC3339 time, or sequence number in seq mode (default now)")
	f.StringSlice("sink", []string{"stdout"}, "Sinks: stdout, bundle, relational (repeatable)")
	f.String("dest", "", "Bundle directory for the bundle sink")
	f.String("to-postgres", "", "Database URL for the relational sink")
	f.Int("queue-size", def.Tail.QueueSize, "Pages buffered per sink")
	f.Duration("poll-interval", def.Tail.PollInterval, "Wait after a short page")
	annotateEnv(f)
	return cmd
}

func newBundleCmd(a *app, def *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Archive upstream into weekly compressed bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, (*service.Service).RunBundle)
		},
	}
	f := cmd.Flags()
	f.String("dest", config.DefaultBundleDir, "Bundle directory")
	f.String("after", config.DefaultBundleAfter, "Start after this time, or sequence number in seq mode")
	f.Bool("clobber", false, "Overwrite bundles that already exist")
	f.Int("max-ops", def.Bundle.MaxOps, "Split a week into parts above this many ops")
	f.Int64("max-bytes", def.Bundle.MaxBytes, "Split a week into parts above this many uncompressed bytes")
	f.Bool("exit-when-caught-up", false, "Seal open bundles and exit once upstream is caught up")
	annotateEnv(f)
	return cmd
}

func newBackfillCmd(a *app, def *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Load historical ops from bundles or the export endpoint in parallel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, (*service.Service).RunBackfill)
		},
	}
	f := cmd.Flags()
	f.String("http", def.Backfill.HTTP, "Bulk bundle URL prefix")
	f.String("dir", "", "Read bundles from this directory instead of --http")
	f.Bool("skip-missing", false, "Treat weeks missing from a --dir folder without a manifest as empty")
	f.Bool("no-bulk", false, "Page the export endpoint by sequence number instead of reading bundles")
	f.Uint64("from-seq", 0, "First sequence number with --no-bulk")
	f.Uint64("to-seq", 0, "End sequence number, exclusive, with --no-bulk (0 = until caught up)")
	f.Uint64("span", def.Backfill.Span, "Sequence numbers per worker range with --no-bulk")
	f.Int("source-workers", 0, "Parallel ranges (default 4, 1 for --dir)")
	f.String("until", "", "Last week to load, unix seconds or RFC3339 (default last immutable week)")
	f.Bool("catch-up", false, "Tail upstream after the backfill until caught up")
	f.Int("range-attempts", def.Backfill.RangeAttempts, "Attempts per range before giving up")
	f.String("dest", "", "Write bundles to this directory")
	f.String("to-postgres", "", "Write to this database")
	annotateEnv(f)
	return cmd
}

func newMirrorCmd(a *app, def *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Keep a wrapped PLC server in sync and proxy reads to it while fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, (*service.Service).RunMirror)
		},
	}
	f := cmd.Flags()
	f.String("wrap", "", "Wrapped PLC server URL")
	f.String("wrap-pg", "", "Wrapped server's database URL")
	f.Bool("pg-init-schema", false, "Create the ops table if it is missing")
	f.String("bind", def.Mirror.Bind, "Listen address")
	f.Duration("freshness", def.Mirror.Freshness, "Serve reads locally only while caught up within this window")
	f.Bool("apply-writes-locally", false, "Copy accepted writes into the wrapped database right away")
	f.Float64("rate-limit", def.Mirror.RateLimit, "Requests per second per client")
	f.Int("rate-burst", def.Mirror.RateBurst, "Burst per client")
	f.Duration("shutdown-grace", def.Mirror.ShutdownGrace, "Time to drain requests on shutdown")
	f.StringSlice("acme-domain", nil, "Serve TLS for this domain (repeatable)")
	f.String("acme-cache-path", "", "Directory for the ACME account and certificates")
	f.String("acme-directory-url", def.Mirror.AcmeDirectoryURL, "ACME directory")
	f.String("acme-contact", "", "ACME account contact email")
	f.String("acme-failure-policy", def.Mirror.AcmeFailurePolicy, "When no certificate can be obtained: fail-closed|plaintext")
	f.String("acme-challenge-bind", def.Mirror.AcmeChallengeBind, "Listen address for HTTP-01 challenges")
	annotateEnv(f)
	return cmd
}

// annotateEnv appends the bound environment variable to each flag's usage.
func annotateEnv(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if env := config.EnvFor(f.Name); env != "" && !strings.Contains(f.Usage, "[$") {
			f.Usage += " [$" + env + "]"
		}
	})
}
