package deployhttp

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/hashutil"
)

const sidecarSuffix = ".sha256"

// handleUpload stores a directly-uploaded artifact file next to a
// checksum sidecar and purges both URLs from the CDN. Unlike the
// webhook path, failures here surface to the caller.
func (rt *Routes) handleUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, target, branch string) {
	if _, ok := rt.projects[target]; !ok {
		http.Error(w, target+" is not a valid target", http.StatusBadRequest)
		return
	}
	if branch == "" {
		branch = "master"
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := filepath.Base(filepath.FromSlash(hdr.Filename))
	if name == "" || name == "." || name == ".." || name == string(os.PathSeparator) {
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return
	}

	// hash the stream in place; the rewind lets the same handle be
	// persisted without a second pass over the upload
	digest, err := hashutil.HashSeeker(file)
	if err != nil {
		rt.logger.Error(ctx, err, "failed to hash upload", "target", target, "file", name)
		http.Error(w, "Deployment failed.", http.StatusInternalServerError)
		return
	}

	destDir := filepath.Join(rt.baseDir, target, branch)
	if err := rt.storeUpload(destDir, name, file, digest); err != nil {
		rt.logger.Error(ctx, err, "failed to store upload", "target", target, "file", name)
		http.Error(w, "Deployment failed.", http.StatusInternalServerError)
		return
	}

	fileURL := rt.baseURL + "/" + target + "/" + branch + "/" + name
	for _, url := range []string{fileURL, fileURL + sidecarSuffix} {
		if err := rt.purger.Purge(ctx, url); err != nil {
			rt.logger.Error(ctx, err, "failed to purge uploaded file", "url", url)
			http.Error(w, "Deployment failed.", http.StatusInternalServerError)
			return
		}
	}

	rt.logger.Info(ctx, "stored uploaded artifact",
		"target", target,
		"branch", branch,
		"file", name,
		"sha256", digest,
		"bytes", hdr.Size,
	)
	_, _ = io.WriteString(w, "Deployment of "+target+" on "+branch+" finished.")
}

// storeUpload writes the file and its checksum sidecar.
func (rt *Routes) storeUpload(destDir, name string, file io.Reader, digest string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	destPath := filepath.Join(destDir, name)
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(dst, file)
	closeErr := dst.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	return os.WriteFile(destPath+sidecarSuffix, []byte(digest+"\n"), 0644)
}
