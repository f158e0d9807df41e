// Package hashutil computes the dual content digest the content store keys
// on: a primary SHA-256 hash (for compatibility with anything that expects
// a standard digest) plus a secondary BLAKE3 hash used as a cheap integrity
// cross-check against hash collisions/truncation bugs in either algorithm.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest holds both hashes for one payload, hex-encoded.
type Digest struct {
	Primary   string // sha256
	Secondary string // blake3
}

// Sum computes both digests over data.
func Sum(data []byte) Digest {
	primary := sha256.Sum256(data)
	secondary := blake3.Sum256(data)
	return Digest{
		Primary:   hex.EncodeToString(primary[:]),
		Secondary: hex.EncodeToString(secondary[:]),
	}
}

// Hasher implements crawler.Hasher using the primary (SHA-256) digest, for
// callers that only need a single identity hash.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes data and returns its hex-encoded SHA-256 digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
