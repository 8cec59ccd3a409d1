package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
)

// CDN purge backends.
const (
	CDNNone       = "none"
	CDNCloudflare = "cloudflare"
	CDNCloudFront = "cloudfront"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// DeployToken authorizes every trigger request.
	DeployToken string

	// BaseDir is the root of the live artifact trees; BaseURL is the
	// public base the CDN serves them from. URLFormat is the shared
	// path template, e.g. "{base_url}/{project}/{branch}/{platform}".
	BaseDir   string
	BaseURL   string
	URLFormat string

	// ProjectsFile holds the per-project manifest fields and exclusion
	// rules as JSON.
	ProjectsFile string

	// UnityAPIToken authenticates against the Cloud Build API. Leaving
	// it empty disables the webhook deploy type.
	UnityAPIToken string

	// DiscordWebhooks is a comma-separated list of channel webhook URLs.
	DiscordWebhooks string

	CDNBackend             string
	CloudflareZone         string
	CloudflareToken        string
	CloudFrontDistribution string

	// Git deployments: a checkout root, the GitHub org owning the
	// repositories, and the script run per deploy. Leaving all three
	// empty disables the git deploy type.
	GitRoot         string
	GitOrg          string
	GitDeployScript string

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.DeployToken, "deploy-token", "", "shared token authorizing deploy trigger requests")
	fs.StringVar(&c.BaseDir, "base-dir", "/var/www/patch", "root directory of the live artifact trees")
	fs.StringVar(&c.BaseURL, "base-url", "", "public base URL the CDN serves artifacts from")
	fs.StringVar(&c.URLFormat, "url-format", "{base_url}/{project}/{branch}/{platform}", "path template shared by live dirs and public URLs")
	fs.StringVar(&c.ProjectsFile, "projects-file", "", "JSON file with per-project manifest fields and exclusions")
	fs.StringVar(&c.UnityAPIToken, "unity-api-token", "", "Unity Cloud Build API key (empty disables webhook deploys)")
	fs.StringVar(&c.DiscordWebhooks, "discord-webhooks", "", "comma-separated Discord webhook URLs for deploy notifications")
	fs.StringVar(&c.CDNBackend, "cdn-backend", CDNNone, "CDN purge backend: none|cloudflare|cloudfront")
	fs.StringVar(&c.CloudflareZone, "cloudflare-zone", "", "Cloudflare zone identifier for cache purges")
	fs.StringVar(&c.CloudflareToken, "cloudflare-token", "", "Cloudflare API token for cache purges")
	fs.StringVar(&c.CloudFrontDistribution, "cloudfront-distribution", "", "CloudFront distribution ID for invalidations")
	fs.StringVar(&c.GitRoot, "git-root", "", "directory holding one checkout per git deploy target")
	fs.StringVar(&c.GitOrg, "git-org", "", "GitHub organization owning the git deploy targets")
	fs.StringVar(&c.GitDeployScript, "git-deploy-script", "", "script invoked as `script target branch` for git deploys")
	fs.Float64Var(&c.RateLimitPerSecond, "rate-limit-per-second", 10, "per-ip request refill rate")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 30, "per-ip request burst ceiling")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Webhooks splits the configured Discord webhook list.
func (c App) Webhooks() []string {
	var out []string
	for _, w := range strings.Split(c.DiscordWebhooks, ",") {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// GitEnabled reports whether the git deploy type is configured.
func (c App) GitEnabled() bool {
	return c.GitRoot != "" || c.GitOrg != "" || c.GitDeployScript != ""
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Trigger auth: requests are rejected without it, so an empty token
	// would brick every deploy path.
	if c.DeployToken == "" {
		errs = append(errs, fmt.Errorf("DEPLOY_TOKEN is required"))
	}

	if c.BaseDir == "" {
		errs = append(errs, fmt.Errorf("BASE_DIR is required"))
	}
	if c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("BASE_URL is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BASE_URL must be a URL (got %q)", c.BaseURL))
	}
	if !strings.Contains(c.URLFormat, "{base_url}") {
		errs = append(errs, fmt.Errorf("URL_FORMAT must contain {base_url} (got %q)", c.URLFormat))
	}

	for _, w := range c.Webhooks() {
		if u, err := url.Parse(w); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("DISCORD_WEBHOOKS entry must be a URL (got %q)", w))
		}
	}

	switch c.CDNBackend {
	case CDNNone:
	case CDNCloudflare:
		if c.CloudflareZone == "" {
			errs = append(errs, fmt.Errorf("CLOUDFLARE_ZONE required when CDN_BACKEND=cloudflare"))
		}
		if c.CloudflareToken == "" {
			errs = append(errs, fmt.Errorf("CLOUDFLARE_TOKEN required when CDN_BACKEND=cloudflare"))
		}
	case CDNCloudFront:
		if c.CloudFrontDistribution == "" {
			errs = append(errs, fmt.Errorf("CLOUDFRONT_DISTRIBUTION required when CDN_BACKEND=cloudfront"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CDN_BACKEND %q (must be none|cloudflare|cloudfront)", c.CDNBackend))
	}

	// Git deploys are all-or-nothing: a partial config means a target
	// would validate but the script could never run.
	if c.GitEnabled() {
		if c.GitRoot == "" {
			errs = append(errs, fmt.Errorf("GIT_ROOT required when git deploys are configured"))
		}
		if c.GitOrg == "" {
			errs = append(errs, fmt.Errorf("GIT_ORG required when git deploys are configured"))
		}
		if c.GitDeployScript == "" {
			errs = append(errs, fmt.Errorf("GIT_DEPLOY_SCRIPT required when git deploys are configured"))
		}
	}

	if c.RateLimitPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_SECOND must be > 0 (got %g)", c.RateLimitPerSecond))
	}
	if c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 (got %d)", c.RateLimitBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
