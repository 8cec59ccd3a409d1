package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/health"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/httpmw"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()

	// MaxBodyBytes caps request bodies before any handler sees them.
	// Zero disables the global cap; routes still apply their own limits.
	MaxBodyBytes int64

	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes registers the deploy trigger routes on the router.
	APIRoutes func(chi.Router)

	// Fallback handles anything no explicit route matched.
	Fallback http.Handler
}
