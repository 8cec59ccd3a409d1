package deployhttp

import (
	"context"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/artifact"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

// pipelineRunner is the single pipeline entry point. Implemented by
// artifact.Pipeline.
type pipelineRunner interface {
	Deploy(ctx context.Context, src artifact.Source, static []artifact.StaticField, rules *artifact.ExclusionRules) error
}

// Binder resolves a deploy event against the configured projects and
// serving layout, then runs the pipeline. It is the unity dispatcher's
// Deployer.
type Binder struct {
	pipeline  pipelineRunner
	baseDir   string
	baseURL   string
	urlFormat string
	projects  map[string]Project
}

// NewBinder creates a Binder.
func NewBinder(pipeline *artifact.Pipeline, opts Options) *Binder {
	return &Binder{
		pipeline:  pipeline,
		baseDir:   opts.BaseDir,
		baseURL:   opts.BaseURL,
		urlFormat: opts.URLFormat,
		projects:  opts.Projects,
	}
}

// Deploy runs the artifact pipeline for ev using the project's
// configured static fields and exclusion rules.
func (b *Binder) Deploy(ctx context.Context, ev artifact.DeployEvent, downloadURL string) error {
	project, ok := b.projects[ev.Project]
	if !ok {
		return xerrors.Newf("no configuration for project %s", ev.Project)
	}
	src := artifact.Source{
		DeployEvent: ev,
		DownloadURL: downloadURL,
		URLFormat:   b.urlFormat,
		BaseURL:     b.baseURL,
		BaseDir:     b.baseDir,
	}
	return b.pipeline.Deploy(ctx, src, project.Static, project.Rules)
}
