// Package hashutil computes the content digests used for cache-busting
// file names, manifest entries, and upload checksum sidecars.
package hashutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"os"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

// blockSize is the read granularity for streaming hashes so memory use
// stays constant regardless of input size.
const blockSize = 64 * 1024

// HashEqual performs constant-time comparison of two hex-encoded hashes.
// Used everywhere hashes are compared, even where timing is not a concern.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex computes the SHA-256 hash of in-memory data as lowercase hex.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashReader streams r through SHA-256 in fixed-size blocks and returns
// the lowercase hex digest. Read failures propagate unchanged.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the SHA-256 hex digest of a file on disk.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}

// HashSeeker hashes rs from its current position to EOF, then rewinds it
// to the start so the caller can persist the same stream afterward.
// Used for in-flight uploads that must be hashed exactly once.
func HashSeeker(rs io.ReadSeeker) (string, error) {
	digest, err := HashReader(rs)
	if err != nil {
		return "", err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return "", xerrors.Wrap(err, "rewind stream after hashing")
	}
	return digest, nil
}

// CopyWithHash copies src to dst while computing SHA-256 of everything
// written. Returns bytes written and the lowercase hex digest.
func CopyWithHash(dst io.Writer, src io.Reader) (written int64, digest string, err error) {
	h := sha256.New()
	w := io.MultiWriter(dst, h)

	buf := make([]byte, blockSize)
	written, err = io.CopyBuffer(w, src, buf)
	if err != nil {
		return written, "", err
	}
	return written, hex.EncodeToString(h.Sum(nil)), nil
}
