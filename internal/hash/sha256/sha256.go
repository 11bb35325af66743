// Package sha256 content-addresses rendered artifacts with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher implements rendler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader streams r through the digest.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	d := sha256.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// ObjectPath fans digests out into two-character directories, e.g. "images/b9/b94d...png".
func ObjectPath(prefix, digest, ext string) string {
	if len(digest) < 2 {
		return prefix + "/" + digest + ext
	}
	return prefix + "/" + digest[:2] + "/" + digest + ext
}
