// Package signature signs webhook payloads and manages signing secrets.
//
// A signature is the lowercase hex HMAC-SHA256 of the exact request body,
// keyed with the webhook's secret. Receivers recompute it over the raw body
// and compare with Verify.
package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/felipemaragno/cmshooks/internal/domain"
)

// secretBytes of randomness give 48 hex characters after the prefix.
const secretBytes = 24

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify compares sig with the lowercase hex signature of payload in
// constant time. Any other encoding of the same digest is rejected.
func Verify(payload []byte, sig, secret string) bool {
	return hmac.Equal([]byte(sig), []byte(Sign(payload, secret)))
}

// GenerateSecret returns a fresh signing secret from crypto/rand.
func GenerateSecret() (string, error) {
	return generateSecret(rand.Reader)
}

func generateSecret(r io.Reader) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return domain.SecretPrefix + hex.EncodeToString(buf), nil
}
