package policy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashApiKey returns the SHA-256 hex digest stored and looked up in place
// of the raw credential.
func HashApiKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewRawApiKey mints a random credential. The raw value is handed to the
// caller exactly once; only its hash and prefix are ever stored.
func NewRawApiKey() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("policy: generate api key: %w", err)
	}
	return "gl_" + hex.EncodeToString(b[:]), nil
}

// KeyPrefix returns the short display prefix kept alongside the hash so
// operators can tell keys apart.
func KeyPrefix(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[:8]
}
