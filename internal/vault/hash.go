package vault

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex-encoded SHA-256 of content. It is the content
// fingerprint used for change detection on both sides of a sync; two
// files are considered unchanged iff their digests are equal.
func Digest(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}
