package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// MangleKey maps an opaque caller key to the on-disk entry name: sha256 hex.
// The mapping is deterministic and collision-free for practical purposes, and
// keeps arbitrary key bytes out of filesystem paths.
func MangleKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
