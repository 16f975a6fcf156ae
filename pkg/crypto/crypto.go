// Package crypto owns the credential-hashing primitive the collectors
// share: API keys are never stored or looked up in the clear, only as
// their SHA-256 digest.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey returns the lowercase hex SHA-256 digest of an API key,
// the form api_keys.key_hash stores and ResolveAPIKey looks up. The
// digest is a lookup key, not a password hash — keys are high-entropy
// random strings, so no salt or work factor applies.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
