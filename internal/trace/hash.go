package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeHash hashes a canonical journal encoding (sha256, hex).
// An empty encoding hashes to the empty string.
func ComputeHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonicalEncoding)
	return hex.EncodeToString(sum[:])
}
