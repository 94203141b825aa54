package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	Header       = "X-Webhook-Signature"
	secretPrefix = "whsec_"
)

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
// Callers must sign the exact bytes they put on the wire.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func Verify(secret string, body []byte, sig string) bool {
	if sig == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("GenerateSecret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}
