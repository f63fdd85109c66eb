// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// ShortLen is the digest length, in hex characters, used for content addressing.
const ShortLen = 16

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a SHA-256 hasher producing full 64-character digests.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a hasher whose digests are cut to length hex characters.
func NewTruncated(length int) *Hasher {
	return &Hasher{length: length}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data, h.length), nil
}

// Sum returns the hex SHA-256 of data truncated to length characters (0 keeps all 64).
func Sum(data []byte, length int) string {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if length > 0 && length < len(digest) {
		return digest[:length]
	}
	return digest
}
