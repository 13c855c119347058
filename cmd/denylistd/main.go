package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/denylist"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/denylisthttp"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/health"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/prof"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/ratelimit"
	v "github.com/keithlinneman/linnemanlabs-denylist/internal/version"
)

const (
	drainPeriod     = 15 * time.Second
	shutdownTimeout = 10 * time.Second
	pingTimeout     = 2 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	fs := flag.CommandLine
	cfg.Register(fs, &conf)
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Printf("%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion)
		return 0
	}

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	cfg.FillFromEnv(fs, cfg.EnvPrefix, stderrf)
	if conf.ConfigFile != "" {
		if err := cfg.FillFromFile(fs, conf.ConfigFile, stderrf); err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			return 1
		}
	}
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	lg, err := newLogger(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	component := "publisher"
	if conf.Once {
		component = "publish-once"
	}
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing denylist publisher",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"store", conf.Store,
		"key_prefix", conf.KeyPrefix,
		"source_url", conf.SourceURL,
		"source_file", conf.SourceFile,
		"interval", conf.Interval,
		"grace_window", conf.GraceWindow,
		"once", conf.Once,
		"enable_api", conf.EnableAPI,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"nats_url", conf.NATSURL,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Component:     component,
		Store:         conf.Store,
		Tags: map[string]string{
			"version":  vi.Version,
			"commit":   vi.Commit,
			"build_id": vi.BuildId,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
		Attributes: map[string]string{
			"denylist.store":      conf.Store,
			"denylist.key_prefix": conf.KeyPrefix,
		},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	st, closeStore, err := openStore(ctx, conf, L, m)
	if err != nil {
		L.Error(ctx, err, "failed to open segment store", "store", conf.Store)
		return 1
	}
	defer closeStore()

	fetcher, sourceLabel, err := newFetcher(ctx, conf, L)
	if err != nil {
		L.Error(ctx, err, "failed to configure denylist source")
		return 1
	}

	pub, err := denylist.NewPublisher(denylist.PublisherOptions{
		Store:            st,
		Fetcher:          fetcher,
		Logger:           L,
		Metrics:          m,
		Prefix:           conf.KeyPrefix,
		SizeLimit:        conf.SizeLimit,
		Overhead:         overhead(conf.SizeOverhead),
		Source:           sourceLabel,
		WriteConcurrency: conf.WriteWorkers,
		WriteRate:        conf.WriteRate,
		GraceWindow:      conf.GraceWindow,
		SwapTimeout:      conf.SwapTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create publisher")
		return 1
	}

	onPublish, closeNotify := newNotifyHook(conf, L, m)
	defer closeNotify()

	if conf.Once {
		return publishOnce(ctx, L, pub, conf.RunTimeout, onPublish)
	}

	sched := denylist.NewScheduler(denylist.SchedulerOptions{
		Runner:         pub,
		Logger:         L,
		Metrics:        m,
		Interval:       conf.Interval,
		RunOnStart:     conf.RunOnStart,
		MaxBackoff:     conf.MaxBackoff,
		StaleThreshold: conf.StaleThreshold,
		RunTimeout:     conf.RunTimeout,
		OnPublish:      onPublish,
	})

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), health.Ping("store", st, pingTimeout))

	var apiStop func(context.Context) error
	if conf.EnableAPI {
		reader := denylist.NewReader(denylist.ReaderOptions{
			Store:       st,
			Prefix:      conf.KeyPrefix,
			Logger:      L,
			Metrics:     m,
			Concurrency: conf.ReadWorkers,
		})
		cache := denylist.NewCache(reader, m)
		api := denylisthttp.NewAPI(cache, L, m)

		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "client.address", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
			}),
		)

		apiStop, err = httpserver.Start(ctx, httpserver.Options{
			Logger:       L,
			Port:         conf.HTTPPort,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  limiter.Middleware,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    api.RegisterRoutes,
			Version:      cache,
		})
		if err != nil {
			L.Error(ctx, err, "failed to start lookup api listener")
			return 1
		}
	}

	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Publish:      sched,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd readiness notification skipped", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	if conf.EnableAPI {
		drain(L)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case err := <-schedDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			L.Warn(shutdownCtx, "scheduler exited", "error", err)
		}
	case <-shutdownCtx.Done():
		L.Warn(context.Background(), "scheduler did not stop before shutdown timeout")
	}

	if apiStop != nil {
		if err := apiStop(shutdownCtx); err != nil {
			L.Error(context.Background(), err, "lookup api shutdown")
		}
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
	return 0
}

func newLogger(conf cfg.App) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		Level:             lvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	}
	if conf.StacktraceLevel != "" {
		if opts.StacktraceLevel, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			return nil, err
		}
	}
	return log.New(opts)
}

// overhead maps the flag's 0 to the publisher's "no reservation".
func overhead(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// publishOnce runs one cycle for cron and CI use. It goes through a
// Scheduler so logging and OnPublish handling match the long-running mode.
func publishOnce(ctx context.Context, L log.Logger, runner denylist.Runner, timeout time.Duration, hooks []func(context.Context, *denylist.Result)) int {
	sched := denylist.NewScheduler(denylist.SchedulerOptions{
		Runner:     runner,
		Logger:     L,
		RunTimeout: timeout,
		OnPublish:  hooks,
	})
	res, err := sched.Trigger(ctx)
	if err != nil {
		return 1
	}
	if res.ReclaimErr != nil {
		L.Warn(ctx, "publish committed but reclaim failed", "version", res.Version, "error", res.ReclaimErr)
	}
	return 0
}

// drain keeps serving while load balancers notice the failing readiness
// probe. A second signal skips the wait.
func drain(L log.Logger) {
	L.Info(context.Background(), "draining lookup api", "period", drainPeriod)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceCh)
	select {
	case <-time.After(drainPeriod):
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}
