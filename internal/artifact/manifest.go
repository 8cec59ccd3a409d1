package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/hashutil"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

// ManifestName is the manifest's filename at the root of every
// published version.
const ManifestName = "index.json"

// FileSummary describes one retained file. Computed once, immutable.
type FileSummary struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// FileEntry pairs a file's path relative to the staging root with its
// summary. Entries keep the order they were produced in.
type FileEntry struct {
	Path    string
	Summary FileSummary
}

// StaticField is one project-configured metadata field. Fields are
// emitted ahead of the standard metadata, in configuration order.
type StaticField struct {
	Key   string
	Value string
}

// Manifest is the JSON index describing one deployed version's files
// and metadata. Written once as the terminal artifact of a manifest
// build; never mutated after publish.
type Manifest struct {
	Static      []StaticField
	BaseURL     string
	Project     string
	Branch      string
	Platform    Platform
	LastUpdated int64
	Files       []FileEntry
}

// MarshalJSON emits the manifest with a fixed key order: static fields
// first, then base_url, project, branch, platform, last_updated, and
// the files mapping last. External consumers depend on this layout.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeKey := func(key string) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(key)
		buf.Write(kb)
		buf.WriteByte(':')
	}
	writeString := func(key, val string) {
		writeKey(key)
		vb, _ := json.Marshal(val)
		buf.Write(vb)
	}

	for _, f := range m.Static {
		writeString(f.Key, f.Value)
	}
	writeString("base_url", m.BaseURL)
	writeString("project", m.Project)
	writeString("branch", m.Branch)
	writeString("platform", string(m.Platform))

	writeKey("last_updated")
	lu, _ := json.Marshal(m.LastUpdated)
	buf.Write(lu)

	writeKey("files")
	buf.WriteByte('{')
	for i, e := range m.Files {
		if i > 0 {
			buf.WriteByte(',')
		}
		pb, _ := json.Marshal(e.Path)
		buf.Write(pb)
		buf.WriteByte(':')
		sb, err := json.Marshal(e.Summary)
		if err != nil {
			return nil, err
		}
		buf.Write(sb)
	}
	buf.WriteByte('}')

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ManifestOptions configures a manifest build.
type ManifestOptions struct {
	Logger log.Logger

	// Rules are the exclusion patterns; matching files are neither
	// hashed, renamed, nor listed.
	Rules *ExclusionRules

	// Static are project-configured fields emitted first in the manifest.
	Static []StaticField

	// Now supplies the manifest timestamp; defaults to time.Now.
	// The timestamp is build/publish time, not event-receipt time.
	Now func() time.Time
}

// BuildManifest walks stagingRoot, renames every retained regular file
// to embed its content digest, and returns the manifest describing the
// result. A content change always yields a new filename, so the CDN can
// cache content-addressed names forever.
//
// Files that already carry a matching digest suffix are recorded without
// re-renaming, so re-running over an unchanged tree never double-suffixes.
func BuildManifest(ctx context.Context, stagingRoot string, src Source, opts ManifestOptions) (*Manifest, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	absRoot, err := filepath.Abs(stagingRoot)
	if err != nil {
		return nil, xerrors.Wrapf(err, "resolve staging root %s", stagingRoot)
	}

	// Collect before processing: renames must not perturb the walk.
	// WalkDir iterates lexically, which keeps manifest order stable
	// across runs over an unchanged tree.
	var paths []string
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "walk staging root %s", absRoot)
	}

	m := &Manifest{
		Static:      opts.Static,
		BaseURL:     src.BaseURL,
		Project:     src.Project,
		Branch:      src.Branch,
		Platform:    src.Platform,
		LastUpdated: now().Unix(),
	}

	for _, path := range paths {
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil, xerrors.Wrapf(err, "relativize %s", path)
		}
		rel = filepath.ToSlash(rel)

		if base, digest, ok := splitDigestSuffix(rel); ok {
			// possibly a leftover from an earlier run; verify before trusting
			actual, err := hashutil.HashFile(path)
			if err != nil {
				return nil, xerrors.Wrapf(err, "hash %s", path)
			}
			if hashutil.HashEqual(actual, digest) {
				if opts.Rules.Match(base) {
					logger.Info(ctx, "excluding file from deploy", "path", base)
					continue
				}
				info, err := os.Stat(path)
				if err != nil {
					return nil, xerrors.Wrapf(err, "stat %s", path)
				}
				m.Files = append(m.Files, FileEntry{
					Path:    base,
					Summary: FileSummary{Size: info.Size(), SHA256: digest},
				})
				continue
			}
			// suffix does not match content: treat as an ordinary name
		}

		if opts.Rules.Match(rel) {
			logger.Info(ctx, "excluding file from deploy", "path", rel)
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, xerrors.Wrapf(err, "stat %s", path)
		}
		digest, err := hashutil.HashFile(path)
		if err != nil {
			return nil, xerrors.Wrapf(err, "hash %s", path)
		}

		// cache-busting rename: append the content digest to the filename
		if err := os.Rename(path, path+"_"+digest); err != nil {
			return nil, xerrors.Wrapf(err, "rename %s", path)
		}

		m.Files = append(m.Files, FileEntry{
			Path:    rel,
			Summary: FileSummary{Size: info.Size(), SHA256: digest},
		})
	}

	return m, nil
}

// WriteManifest writes the manifest to stagingRoot/index.json.
func WriteManifest(stagingRoot string, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return xerrors.Wrap(err, "encode manifest")
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "    "); err != nil {
		return xerrors.Wrap(err, "indent manifest")
	}
	path := filepath.Join(stagingRoot, ManifestName)
	if err := os.WriteFile(path, out.Bytes(), 0644); err != nil {
		return xerrors.Wrapf(err, "write %s", path)
	}
	return nil
}

// splitDigestSuffix splits "name_<64-hex>" into name and digest.
func splitDigestSuffix(path string) (base, digest string, ok bool) {
	idx := strings.LastIndex(path, "_")
	if idx < 0 || len(path)-idx-1 != 64 {
		return "", "", false
	}
	candidate := path[idx+1:]
	for _, c := range candidate {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", "", false
		}
	}
	return path[:idx], candidate, true
}
