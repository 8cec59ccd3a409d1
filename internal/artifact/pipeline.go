package artifact

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

// Purger invalidates CDN cache entries. Implemented by the cdn package.
type Purger interface {
	Purge(ctx context.Context, url string) error
}

// PipelineMetrics receives pipeline observability signals.
// Implemented by the metrics package.
type PipelineMetrics interface {
	IncDeploy(outcome string)
	ObserveDeployDuration(seconds float64)
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Logger  log.Logger
	Stager  *Stager
	Purger  Purger
	Metrics PipelineMetrics
}

// Pipeline runs the full artifact deployment: stage the archive, build
// the manifest, swap the live tree, purge the CDN. Steps are sequential
// and blocking; the first failure aborts the remainder.
//
// Concurrent deploys to the same (project, branch, platform) target are
// serialized with a per-target lock so two runs cannot interleave
// during the directory swap.
type Pipeline struct {
	logger    log.Logger
	stager    *Stager
	publisher *Publisher
	purger    Purger
	metrics   PipelineMetrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{
		logger:    logger,
		stager:    opts.Stager,
		publisher: NewPublisher(logger),
		purger:    opts.Purger,
		metrics:   opts.Metrics,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) lockFor(src Source) *sync.Mutex {
	key := fmt.Sprintf("%s/%s/%s", src.Project, src.Branch, src.Platform)
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	return m
}

// Deploy runs one pipeline pass for src. static are the project's
// configured manifest fields; rules the combined exclusion set.
// Scratch resources are released on every exit path.
func (p *Pipeline) Deploy(ctx context.Context, src Source, static []StaticField, rules *ExclusionRules) (err error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ObserveDeployDuration(time.Since(start).Seconds())
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			p.metrics.IncDeploy(outcome)
		}
	}()

	lock := p.lockFor(src)
	lock.Lock()
	defer lock.Unlock()

	L := p.logger.With(
		"project", src.Project,
		"branch", src.Branch,
		"platform", string(src.Platform),
	)
	L.Info(ctx, "starting artifact deploy", "download_url", src.DownloadURL)

	// staging lives under the serving root so the final swap is a
	// same-filesystem rename
	staging, err := p.stager.Stage(ctx, src.DownloadURL, filepath.Join(src.BaseDir, ".staging"))
	if err != nil {
		return xerrors.Wrap(err, "stage artifact")
	}
	defer staging.Close()

	manifest, err := BuildManifest(ctx, staging.Root, src, ManifestOptions{
		Logger: L,
		Rules:  rules,
		Static: static,
	})
	if err != nil {
		return xerrors.Wrap(err, "build manifest")
	}
	if err := WriteManifest(staging.Root, manifest); err != nil {
		return err
	}
	L.Info(ctx, "built manifest", "files", len(manifest.Files))

	if err := p.publisher.Publish(ctx, staging.Root, src.LiveDir(), rules); err != nil {
		return xerrors.Wrap(err, "publish")
	}

	manifestURL := src.ManifestURL()
	if err := p.purger.Purge(ctx, manifestURL); err != nil {
		return xerrors.Wrapf(err, "purge %s", manifestURL)
	}
	L.Info(ctx, "deploy complete", "manifest_url", manifestURL, "duration", time.Since(start).String())
	return nil
}
