// Package checksum computes the content digests used as file checksums and
// directory-store change tags.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Matches reports whether tag is the digest of data. An empty tag never matches.
func Matches(tag string, data []byte) bool {
	return tag != "" && tag == Sum(data)
}
