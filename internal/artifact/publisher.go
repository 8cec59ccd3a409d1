package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

// Publisher swaps fully-prepared staging directories into the live
// serving path. The swap is a single directory rename, so a concurrent
// reader sees either the old tree or the new tree, never a mix. This
// requires staging and the live tree to live on the same filesystem;
// the pipeline stages under {baseDir}/.staging for that reason.
type Publisher struct {
	logger log.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{logger: logger}
}

// Publish moves stagingRoot to liveDir. An existing live tree is first
// renamed aside, then removed once the new tree is in place. If the
// final rename fails after the old tree was moved aside, Publish tries
// to restore it; if that also fails the target is left empty, which is
// the accepted degraded-but-recoverable window of directory-replace
// semantics.
//
// After the swap, exclusion rules are applied once more against the
// live tree in case any excluded path survived staging.
func (p *Publisher) Publish(ctx context.Context, stagingRoot, liveDir string, rules *ExclusionRules) error {
	if err := os.MkdirAll(filepath.Dir(liveDir), 0755); err != nil {
		return xerrors.Wrapf(err, "create parent of %s", liveDir)
	}

	old := ""
	if _, err := os.Stat(liveDir); err == nil {
		old = fmt.Sprintf("%s.old-%d", liveDir, time.Now().UnixNano())
		if err := os.Rename(liveDir, old); err != nil {
			return xerrors.Wrapf(err, "move previous version aside to %s", old)
		}
	} else if !os.IsNotExist(err) {
		return xerrors.Wrapf(err, "stat %s", liveDir)
	}

	if err := os.Rename(stagingRoot, liveDir); err != nil {
		if old != "" {
			if restoreErr := os.Rename(old, liveDir); restoreErr != nil {
				p.logger.Error(ctx, restoreErr, "failed to restore previous version after aborted publish",
					"live_dir", liveDir,
					"old_dir", old,
				)
			}
		}
		return xerrors.Wrapf(err, "swap %s into %s", stagingRoot, liveDir)
	}

	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			// the new tree is live; a stale .old dir is an annoyance, not a failure
			p.logger.Warn(ctx, "failed to remove previous version", "path", old, "error", err)
		}
	}

	p.logger.Info(ctx, "published artifact tree", "live_dir", liveDir)

	if err := p.sweepExcluded(ctx, liveDir, rules); err != nil {
		return err
	}
	return nil
}

// sweepExcluded deletes any file or directory under liveDir matching
// the exclusion rules. The manifest itself is never swept.
func (p *Publisher) sweepExcluded(ctx context.Context, liveDir string, rules *ExclusionRules) error {
	if rules.Len() == 0 {
		return nil
	}

	var doomed []string
	err := filepath.WalkDir(liveDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == liveDir {
			return nil
		}
		rel, relErr := filepath.Rel(liveDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName {
			return nil
		}
		if rules.Match(rel) {
			doomed = append(doomed, path)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		// files already renamed with a digest suffix must match under
		// their original name too, or a pattern like *.pdb would never
		// catch the published Game.pdb_<digest>
		if !d.IsDir() {
			if base, _, ok := splitDigestSuffix(rel); ok && rules.Match(base) {
				doomed = append(doomed, path)
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrapf(err, "sweep %s", liveDir)
	}

	for _, path := range doomed {
		if err := os.RemoveAll(path); err != nil {
			return xerrors.Wrapf(err, "remove excluded path %s", path)
		}
		p.logger.Info(ctx, "removed excluded path from live tree", "path", path)
	}
	return nil
}
