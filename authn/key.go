// Package authn resolves API keys to tenants and scope sets, generates and
// fingerprints key secrets, and enforces scopes, rate limits and the
// internal-endpoint token.
package authn

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// PrefixLen is the public key prefix length (indexing aid, not a secret).
const PrefixLen = 8

// GenerateKey produces a new raw API key secret and its public prefix.
// The raw secret is 32 random bytes, base64url without padding. It is shown
// to the operator exactly once; only the fingerprint is stored.
func GenerateKey() (raw, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("authn: generate key: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, raw[:PrefixLen], nil
}

// Fingerprint derives the stored 64-hex-character identifier for a raw
// secret: HMAC-SHA256 of the raw secret keyed by the process secret. The
// same process secret must be shared by every authenticating process.
func Fingerprint(processSecret, raw string) string {
	mac := hmac.New(sha256.New, []byte(processSecret))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
