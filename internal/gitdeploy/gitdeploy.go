// Package gitdeploy handles git-push deployments: a checked-out
// repository under the git root is updated by an external deploy
// script once the target and branch are validated.
package gitdeploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

const githubAPIBase = "https://api.github.com"

// Validation failures map to a client error at the HTTP layer; all
// other failures are server errors.
var (
	ErrUnknownTarget = xerrors.New("unknown deployment target")
	ErrUnknownBranch = xerrors.New("unknown branch")
)

// Deployer validates git deploy requests and hands them to the deploy
// script.
type Deployer struct {
	client     *http.Client
	logger     log.Logger
	gitRoot    string
	org        string
	scriptPath string
	apiBase    string
}

// Options configures a Deployer.
type Options struct {
	Logger log.Logger

	// GitRoot is the directory holding one checked-out repository per
	// deployable target.
	GitRoot string

	// Org is the GitHub organization owning the target repositories.
	Org string

	// ScriptPath is the deploy script invoked as `script target branch`.
	ScriptPath string

	// APIBase overrides the GitHub API endpoint, used by tests.
	APIBase string

	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

// NewDeployer creates a git Deployer.
func NewDeployer(opts Options) (*Deployer, error) {
	if opts.GitRoot == "" {
		return nil, xerrors.New("GitRoot is required")
	}
	if opts.Org == "" {
		return nil, xerrors.New("Org is required")
	}
	if opts.ScriptPath == "" {
		return nil, xerrors.New("ScriptPath is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	apiBase := opts.APIBase
	if apiBase == "" {
		apiBase = githubAPIBase
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		}
	}
	return &Deployer{
		client:     client,
		logger:     opts.Logger,
		gitRoot:    opts.GitRoot,
		org:        opts.Org,
		scriptPath: opts.ScriptPath,
		apiBase:    apiBase,
	}, nil
}

// Deploy validates target and branch, then starts the deploy script.
// The script runs detached: its outcome is logged, not reported to the
// caller.
func (d *Deployer) Deploy(ctx context.Context, target, branch string) error {
	gitDir := filepath.Join(d.gitRoot, target, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		return xerrors.Wrapf(ErrUnknownTarget, "%s is not a checked-out target", target)
	}

	ok, err := d.branchExists(ctx, target, branch)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Wrapf(ErrUnknownBranch, "%s has no branch %s", target, branch)
	}

	// detached from the request context on purpose: a finished HTTP
	// request must not kill an in-flight checkout
	cmd := exec.Command(d.scriptPath, target, branch)
	if err := cmd.Start(); err != nil {
		return xerrors.Wrapf(err, "start deploy script for %s", target)
	}
	d.logger.Info(ctx, "started git deploy script",
		"target", target,
		"branch", branch,
		"pid", cmd.Process.Pid,
	)

	go func() {
		if err := cmd.Wait(); err != nil {
			d.logger.Error(context.Background(), err, "git deploy script failed",
				"target", target,
				"branch", branch,
			)
			return
		}
		d.logger.Info(context.Background(), "git deploy script finished",
			"target", target,
			"branch", branch,
		)
	}()
	return nil
}

// branchExists checks the repository's branch list on GitHub.
func (d *Deployer) branchExists(ctx context.Context, target, branch string) (bool, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/branches", d.apiBase, d.org, target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, xerrors.Wrap(err, "create branch list request")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, xerrors.Wrapf(err, "list branches of %s/%s", d.org, target)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, xerrors.Wrap(err, "read branch list")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, xerrors.Newf("list branches of %s/%s: unexpected status %s", d.org, target, resp.Status)
	}

	var branches []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &branches); err != nil {
		return false, xerrors.Wrap(err, "decode branch list")
	}
	for _, b := range branches {
		if b.Name == branch {
			return true, nil
		}
	}
	return false, nil
}
