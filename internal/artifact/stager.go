package artifact

import (
	"archive/zip"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/pathutil"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

const archiveName = "build.zip"

// Stager downloads a remote build archive to a scratch location and
// extracts it into an isolated staging directory.
type Stager struct {
	client  *http.Client
	logger  log.Logger
	timeout time.Duration
}

// StagerOptions configures archive staging.
type StagerOptions struct {
	Logger log.Logger

	// DownloadTimeout bounds the whole archive transfer. The upstream
	// CI service imposes no limit, so we set one ourselves.
	DownloadTimeout time.Duration

	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

// NewStager creates a Stager with explicit transfer timeouts.
func NewStager(opts StagerOptions) *Stager {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	timeout := opts.DownloadTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	return &Stager{client: client, logger: opts.Logger, timeout: timeout}
}

// Staging is one staged artifact tree. The scratch directory backing it
// is a scoped resource: Close removes it on every exit path.
type Staging struct {
	// Root is the directory holding the extracted artifact files.
	Root string

	scratch string
}

// Close releases the scratch tree. Safe to call after the extracted
// directory has been renamed out by the publisher, and safe to call twice.
func (st *Staging) Close() error {
	if st.scratch == "" {
		return nil
	}
	err := os.RemoveAll(st.scratch)
	st.scratch = ""
	return err
}

// Stage downloads the archive at url into a scratch file under
// scratchParent, extracts it into a freshly created staging directory,
// and deletes the transient archive. On error the scratch tree is
// removed before returning.
func (s *Stager) Stage(ctx context.Context, url, scratchParent string) (*Staging, error) {
	if err := os.MkdirAll(scratchParent, 0755); err != nil {
		return nil, xerrors.Wrapf(err, "create scratch parent %s", scratchParent)
	}
	scratch, err := os.MkdirTemp(scratchParent, "deploy-*")
	if err != nil {
		return nil, xerrors.Wrap(err, "create scratch dir")
	}

	st := &Staging{scratch: scratch}
	if err := s.stageInto(ctx, url, st); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func (s *Stager) stageInto(ctx context.Context, url string, st *Staging) error {
	archivePath := filepath.Join(st.scratch, archiveName)

	size, err := s.download(ctx, url, archivePath)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "downloaded build archive",
		"url", url,
		"path", archivePath,
		"bytes", size,
	)

	dataDir := filepath.Join(st.scratch, "data")
	if err := os.Mkdir(dataDir, 0755); err != nil {
		return xerrors.Wrap(err, "create staging dir")
	}
	if err := extractZip(archivePath, dataDir); err != nil {
		return xerrors.Wrap(err, "extract archive")
	}

	// the archive is transient; only the extracted tree moves forward
	if err := os.Remove(archivePath); err != nil {
		return xerrors.Wrap(err, "remove archive")
	}

	s.logger.Info(ctx, "extracted build archive", "staging_dir", dataDir)
	st.Root = dataDir
	return nil
}

// download streams the response body to destPath, never holding the
// archive in memory.
func (s *Stager) download(ctx context.Context, url, destPath string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, xerrors.Wrap(err, "create download request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, xerrors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, xerrors.Newf("download %s: unexpected status %s", url, resp.Status)
	}

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, xerrors.Wrapf(err, "create %s", destPath)
	}
	written, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return written, xerrors.Wrapf(copyErr, "write %s", destPath)
	}
	if closeErr != nil {
		return written, xerrors.Wrapf(closeErr, "close %s", destPath)
	}
	return written, nil
}

// extractZip extracts archivePath into dst, rejecting entries that
// would escape the destination.
func extractZip(archivePath, dst string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return xerrors.Wrap(err, "open zip")
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := sanitizeArchivePath(dst, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return xerrors.Wrapf(err, "create dir %s", target)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return xerrors.Wrapf(err, "create dir for %s", target)
		}

		rc, err := f.Open()
		if err != nil {
			return xerrors.Wrapf(err, "open zip entry %s", f.Name)
		}
		err = writeEntry(target, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// sanitizeArchivePath prevents directory traversal out of dst.
func sanitizeArchivePath(dst, name string) (string, error) {
	name = filepath.Clean(filepath.FromSlash(name))

	if filepath.IsAbs(name) {
		return "", xerrors.Newf("absolute path in archive: %s", name)
	}
	if pathutil.HasDotSegments(filepath.ToSlash(name)) {
		return "", xerrors.Newf("path traversal in archive: %s", name)
	}

	target := filepath.Join(dst, name)
	if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), filepath.Clean(dst)+string(os.PathSeparator)) {
		if filepath.Clean(target) != filepath.Clean(dst) {
			return "", xerrors.Newf("path escapes staging dir: %s", name)
		}
	}
	return target, nil
}

func writeEntry(path string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return xerrors.Wrapf(err, "create %s", path)
	}
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		return xerrors.Wrapf(copyErr, "write %s", path)
	}
	if closeErr != nil {
		return xerrors.Wrapf(closeErr, "close %s", path)
	}
	return nil
}
