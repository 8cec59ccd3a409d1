package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/artifact"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/cdn"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/cfg"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/deployhttp"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/gitdeploy"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/health"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/notify"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/opshttp"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/ratelimit"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/unity"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/httpserver"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/metrics"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/otelx"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/prof"
	v "github.com/HouraiTeahouse/HouraiDeploy/internal/version"
)

// maxRequestBody caps every request at the upload archive ceiling plus
// slack for multipart framing. The upload handler enforces the tighter
// per-part limit itself.
const maxRequestBody = (2 << 30) + (1 << 20)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix HOURAI_ and validate
	cfg.FillFromEnv(flag.CommandLine, "HOURAI_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"include_error_links", conf.IncludeErrorLinks,
		"max_error_links", conf.MaxErrorLinks,
		"base_dir", conf.BaseDir,
		"base_url", conf.BaseURL,
		"url_format", conf.URLFormat,
		"projects_file", conf.ProjectsFile,
		"cdn_backend", conf.CDNBackend,
		"git_deploys", conf.GitEnabled(),
		"unity_deploys", conf.UnityAPIToken != "",
		"discord_webhooks", len(conf.Webhooks()),
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	var m *metrics.ServerMetrics = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// CDN purge backend for the pipeline's final step
	var purger artifact.Purger
	switch conf.CDNBackend {
	case cfg.CDNCloudflare:
		purger, err = cdn.NewCloudflarePurger(cdn.CloudflareOptions{
			Logger: L,
			Zone:   conf.CloudflareZone,
			Token:  conf.CloudflareToken,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create cloudflare purger")
			os.Exit(1)
		}
	case cfg.CDNCloudFront:
		// the purger loads the default AWS credential chain itself
		purger, err = cdn.NewCloudFrontPurger(ctx, cdn.CloudFrontOptions{
			Logger:         L,
			DistributionID: conf.CloudFrontDistribution,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create cloudfront purger")
			os.Exit(1)
		}
	default:
		purger = cdn.NopPurger{}
	}

	// Discord notification fanout for deploy outcomes
	var notifier notify.Notifier = notify.Nop{}
	if hooks := conf.Webhooks(); len(hooks) > 0 {
		var multi notify.Multi
		for _, hook := range hooks {
			d, err := notify.NewDiscordNotifier(notify.DiscordOptions{
				Logger:     L,
				WebhookURL: hook,
			})
			if err != nil {
				L.Error(ctx, err, "failed to create discord notifier")
				os.Exit(1)
			}
			multi = append(multi, d)
		}
		notifier = multi
	}

	// per-project manifest fields and exclusion rules
	projects := map[string]deployhttp.Project{}
	if conf.ProjectsFile != "" {
		projects, err = deployhttp.LoadProjects(conf.ProjectsFile)
		if err != nil {
			L.Error(ctx, err, "failed to load projects file", "path", conf.ProjectsFile)
			os.Exit(1)
		}
		L.Info(ctx, "loaded project configuration", "path", conf.ProjectsFile, "projects", len(projects))
	} else {
		L.Warn(ctx, "no projects file configured, all deploy targets will be rejected")
	}

	// artifact pipeline: stage, manifest, swap, purge
	stager := artifact.NewStager(artifact.StagerOptions{Logger: L})
	pipeline := artifact.NewPipeline(artifact.PipelineOptions{
		Logger:  L,
		Stager:  stager,
		Purger:  purger,
		Metrics: m,
	})

	deployOpts := deployhttp.Options{
		Logger:    L,
		Token:     conf.DeployToken,
		BaseDir:   conf.BaseDir,
		BaseURL:   conf.BaseURL,
		URLFormat: conf.URLFormat,
		Projects:  projects,
		Purger:    purger,
	}

	// CI webhook deploys need the Cloud Build API to resolve build
	// details and share links; without a key the deploy type is off.
	if conf.UnityAPIToken != "" {
		ucb, err := unity.NewClient(unity.ClientOptions{
			Logger:    L,
			AuthToken: conf.UnityAPIToken,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create cloud build client")
			os.Exit(1)
		}
		deployOpts.Dispatcher = unity.NewDispatcher(unity.DispatcherOptions{
			Logger:   L,
			API:      ucb,
			Deployer: deployhttp.NewBinder(pipeline, deployOpts),
			Notifier: notifier,
			Metrics:  m,
		})
	}

	if conf.GitEnabled() {
		git, err := gitdeploy.NewDeployer(gitdeploy.Options{
			Logger:     L,
			GitRoot:    conf.GitRoot,
			Org:        conf.GitOrg,
			ScriptPath: conf.GitDeployScript,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create git deployer")
			os.Exit(1)
		}
		deployOpts.Git = git
	}

	routes, err := deployhttp.New(deployOpts)
	if err != nil {
		L.Error(ctx, err, "failed to create deploy routes")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness requires the live tree root to exist; a missing mount
	// means every deploy would fail its swap step
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(func(ctx context.Context) error {
			if _, err := os.Stat(conf.BaseDir); err != nil {
				return xerrors.Wrap(err, "deploy: base directory unavailable")
			}
			return nil
		}),
	)

	// Setup rate limiter middleware for the trigger endpoints
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitPerSecond, conf.RateLimitBurst),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// start deploy trigger http server
	deployHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    routes.RegisterRoutes,
			MaxBodyBytes: maxRequestBody,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  limiter.Middleware,
			Logger:       L,
		},
	)

	if err != nil {
		L.Error(ctx, err, "failed to start deploy http listener")
		os.Exit(1)
	}
	defer func() { _ = deployHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic there
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks so CI stops sending new triggers
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// an in-flight deploy can hold a request open for minutes, give it
	// a chance to finish before tearing the listeners down
	L.Info(context.Background(), "sleeping 60s for in-flight deploys to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := deployHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "deploy http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
