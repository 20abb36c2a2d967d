package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownKey is returned by a CallerLookup for keys it does not hold.
var ErrUnknownKey = errors.New("auth: unknown api key")

// Caller represents an authenticated metering client.
type Caller struct {
	ID   string
	Name string
	// RateLimit overrides the default requests-per-window; 0 keeps it.
	RateLimit int
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 12 characters of the plaintext key
}

// CallerLookup resolves a key hash to its caller.
type CallerLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Caller, error)
}

// StaticKeys is a CallerLookup over a fixed set of hashed keys, typically
// loaded from configuration.
type StaticKeys struct {
	mu      sync.RWMutex
	callers map[string]*Caller
}

// NewStaticKeys creates an empty key set.
func NewStaticKeys() *StaticKeys {
	return &StaticKeys{callers: make(map[string]*Caller)}
}

// Add registers a caller under the SHA-256 hash of its key.
func (k *StaticKeys) Add(hash string, c *Caller) {
	k.mu.Lock()
	k.callers[hash] = c
	k.mu.Unlock()
}

func (k *StaticKeys) GetByKeyHash(_ context.Context, hash string) (*Caller, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	c, ok := k.callers[hash]
	if !ok {
		return nil, ErrUnknownKey
	}
	return c, nil
}

// Len returns the number of registered keys.
func (k *StaticKeys) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.callers)
}

// GenerateAPIKey creates a new API key with the "tally_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := "tally_" + base64.RawURLEncoding.EncodeToString(b)
	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:12],
	}
	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// HashAdminKey returns a bcrypt hash of the admin key for configuration.
func HashAdminKey(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin key: %w", err)
	}
	return string(hash), nil
}

// VerifyAdminKey reports whether plaintext matches the bcrypt hash.
func VerifyAdminKey(hash, plaintext string) bool {
	if hash == "" || plaintext == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
