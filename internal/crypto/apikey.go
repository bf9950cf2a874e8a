package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// APIKeyPrefix marks AIMs bot credentials.
const APIKeyPrefix = "aims_"

var ErrInvalidAPIKey = errors.New("invalid API key format")

// NewAPIKey returns a fresh bot API key and the hash to store. The
// plaintext is shown to the caller once and never persisted.
func NewAPIKey() (key, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	key = APIKeyPrefix + hex.EncodeToString(buf)
	return key, HashAPIKey(key), nil
}

// HashAPIKey returns the hex SHA-256 of key. Keys carry 256 bits of
// entropy, so a fast deterministic hash is enough and allows indexed lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidateAPIKeyFormat checks the prefix and length of a presented key.
func ValidateAPIKeyFormat(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) || len(key) != len(APIKeyPrefix)+64 {
		return ErrInvalidAPIKey
	}
	if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
		return ErrInvalidAPIKey
	}
	return nil
}
