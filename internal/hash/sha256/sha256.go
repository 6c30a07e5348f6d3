// Package sha256 derives archive object names from page URLs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a hasher producing full 64-character hex digests.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a hasher that keeps the first n hex characters.
// n outside (0, 64) keeps the full digest.
func NewTruncated(n int) *Hasher {
	return &Hasher{length: n}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 && h.length < len(digest) {
		digest = digest[:h.length]
	}
	return digest, nil
}
