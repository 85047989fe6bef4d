package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// APIKeyPrefix starts every generated API key.
const APIKeyPrefix = "wkit_"

// GenerateAPIKey returns a new random API key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

// HashAPIKey hashes an API key for storage
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// KeySet holds hashed API keys. The zero value accepts nothing.
type KeySet struct {
	hashes [][]byte
}

// NewKeySet hashes keys. Blank entries are skipped.
func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			ks.hashes = append(ks.hashes, []byte(HashAPIKey(k)))
		}
	}
	return ks
}

// Len returns the number of keys.
func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.hashes)
}

// Contains compares key against every stored hash in constant time.
func (ks *KeySet) Contains(key string) bool {
	if ks == nil || key == "" {
		return false
	}
	h := []byte(HashAPIKey(key))
	found := 0
	for _, stored := range ks.hashes {
		found |= subtle.ConstantTimeCompare(h, stored)
	}
	return found == 1
}

// GenerateWebhookSignature generates HMAC signature for webhook payloads
func GenerateWebhookSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks signature, with or without its "sha256="
// prefix, against payload.
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := GenerateWebhookSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return uuid.NewString()
}
