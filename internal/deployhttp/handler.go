// Package deployhttp exposes the deployment trigger endpoints. One
// route family serves three deploy types with deliberately different
// error surfaces: the CI webhook path always answers 200 and keeps
// failures on the notification channel, while the git and upload paths
// surface pipeline failures as server errors.
package deployhttp

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/artifact"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/gitdeploy"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/hashutil"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/unity"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

// webhook bodies are small JSON documents; uploads carry whole builds
const (
	maxWebhookBody = 1 << 20
	maxUploadBody  = 2 << 30
)

// Project is the per-project deployment configuration resolved at
// startup.
type Project struct {
	// Static fields are prepended to the project's manifest in order.
	Static []artifact.StaticField

	// Rules exclude paths from staging and from the live tree.
	Rules *artifact.ExclusionRules
}

// dispatcher routes CI webhook events. Implemented by unity.Dispatcher.
type dispatcher interface {
	Dispatch(ctx context.Context, target, rawKind string, body []byte)
}

// gitDeployer validates and starts git deployments.
type gitDeployer interface {
	Deploy(ctx context.Context, target, branch string) error
}

// Options configures the trigger endpoints.
type Options struct {
	Logger log.Logger

	// Token authorizes trigger requests via the token query parameter.
	Token string

	// BaseDir, BaseURL and URLFormat describe the serving layout, see
	// artifact.Source.
	BaseDir   string
	BaseURL   string
	URLFormat string

	// Projects maps deployable project names to their configuration.
	Projects map[string]Project

	Dispatcher *unity.Dispatcher
	Git        *gitdeploy.Deployer
	Purger     artifact.Purger
}

// Routes carries the deploy trigger handlers.
type Routes struct {
	logger     log.Logger
	token      string
	baseDir    string
	baseURL    string
	urlFormat  string
	projects   map[string]Project
	dispatcher dispatcher
	git        gitDeployer
	purger     artifact.Purger
}

// New creates the trigger routes.
func New(opts Options) (*Routes, error) {
	if opts.Token == "" {
		return nil, xerrors.New("Token is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	rt := &Routes{
		logger:    opts.Logger,
		token:     opts.Token,
		baseDir:   opts.BaseDir,
		baseURL:   opts.BaseURL,
		urlFormat: opts.URLFormat,
		projects:  opts.Projects,
		purger:    opts.Purger,
	}
	if opts.Dispatcher != nil {
		rt.dispatcher = opts.Dispatcher
	}
	if opts.Git != nil {
		rt.git = opts.Git
	}
	return rt, nil
}

// RegisterRoutes mounts the trigger endpoints on r.
func (rt *Routes) RegisterRoutes(r chi.Router) {
	r.Route("/deploy/{deployType}/{target}", func(r chi.Router) {
		r.Post("/", rt.handleDeploy)
		r.Post("/{branch}", rt.handleDeploy)
	})
}

func (rt *Routes) handleDeploy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// authorization comes before any side effect
	if !hashutil.HashEqual(r.URL.Query().Get("token"), rt.token) {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	deployType := chi.URLParam(r, "deployType")
	target := chi.URLParam(r, "target")
	branch := chi.URLParam(r, "branch")

	// deploy types without a configured handler are rejected the same
	// way as unknown ones, before any side effect
	switch {
	case deployType == "unity" && rt.dispatcher != nil:
		rt.handleWebhook(ctx, w, r, target)
	case deployType == "git" && rt.git != nil:
		rt.handleGit(ctx, w, target, branch)
	case deployType == "upload":
		rt.handleUpload(ctx, w, r, target, branch)
	default:
		http.Error(w, "Invalid deployment type: "+deployType, http.StatusBadRequest)
	}
}

// handleWebhook accepts a CI build event. The response is 200 no
// matter what the event leads to; the CI provider retries on errors
// and a deploy is not idempotent from its point of view.
func (rt *Routes) handleWebhook(ctx context.Context, w http.ResponseWriter, r *http.Request, target string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		rt.logger.Warn(ctx, "failed to read webhook body", "error", err)
		body = nil
	}

	rt.dispatcher.Dispatch(ctx, target, r.Header.Get(unity.EventHeader), body)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (rt *Routes) handleGit(ctx context.Context, w http.ResponseWriter, target, branch string) {
	if branch == "" {
		http.Error(w, "Missing branch", http.StatusBadRequest)
		return
	}

	err := rt.git.Deploy(ctx, target, branch)
	switch {
	case err == nil:
	case errors.Is(err, gitdeploy.ErrUnknownTarget):
		http.Error(w, target+" is not a valid target", http.StatusBadRequest)
		return
	case errors.Is(err, gitdeploy.ErrUnknownBranch):
		http.Error(w, "Invalid branch", http.StatusBadRequest)
		return
	default:
		rt.logger.Error(ctx, err, "git deploy failed", "target", target, "branch", branch)
		http.Error(w, "Deployment failed.", http.StatusInternalServerError)
		return
	}

	_, _ = io.WriteString(w, "Deployment of "+target+" on "+branch+" finished.")
}
