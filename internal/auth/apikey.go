// Package auth protects the MCP endpoint with a bearer API key. Only a
// bcrypt hash of the key is configured; the key itself is shown once when
// it is generated.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix marks chatsync API keys.
	APIKeyPrefix = "cs_"

	apiKeyBytes = 32
)

// ErrInvalidKeyHash is returned for a configured hash bcrypt cannot use.
var ErrInvalidKeyHash = errors.New("invalid API key hash")

// GenerateAPIKey returns a new random API key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating API key: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(b), nil
}

// HashAPIKey returns the bcrypt hash to configure for key.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("hashing API key: empty key")
	}

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing API key: %w", err)
	}

	return string(h), nil
}

// KeyVerifier checks presented keys against the configured hash. The
// digest of the last accepted key is remembered so repeated requests skip
// the bcrypt comparison.
type KeyVerifier struct {
	hash []byte

	mu       sync.Mutex
	accepted [sha256.Size]byte
	hasCache bool
}

// NewKeyVerifier validates hash and returns a verifier for it.
func NewKeyVerifier(hash string) (*KeyVerifier, error) {
	hash = strings.TrimSpace(hash)
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyHash, err)
	}

	return &KeyVerifier{hash: []byte(hash)}, nil
}

// Verify reports whether key matches the configured hash.
func (v *KeyVerifier) Verify(key string) bool {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return false
	}

	digest := sha256.Sum256([]byte(key))

	v.mu.Lock()
	cached := v.hasCache && subtle.ConstantTimeCompare(digest[:], v.accepted[:]) == 1
	v.mu.Unlock()

	if cached {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(key)) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted = digest
	v.hasCache = true
	v.mu.Unlock()

	return true
}
