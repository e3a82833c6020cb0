package config

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// KeyFingerprint identifies the admission key without revealing it, so
// operators can check that gateways and token issuers share a key. Empty when
// the key does not decode.
func (c *Config) KeyFingerprint() string {
	key, err := c.HMACKey()
	if err != nil {
		return ""
	}
	return Fingerprint(key)
}

// Fingerprint returns "blake3:" and the first 16 hex digits of the BLAKE3
// digest of data.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:8])
}
