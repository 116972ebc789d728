package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"os"
)

// TokenHasher derives deterministic, salted hashes for admin API keys
// so the database never holds them in plaintext.
type TokenHasher struct {
	salt []byte
}

// NewTokenHasher constructs a hasher with the provided salt bytes.
func NewTokenHasher(salt []byte) TokenHasher {
	return TokenHasher{salt: append([]byte(nil), salt...)}
}

// HashString hashes the given key using HMAC-SHA256 and returns a base64 string.
func (h TokenHasher) HashString(token string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// loadOrCreateSalt reads the hasher salt from path, minting and
// persisting one with 0600 permissions on first start. The salt must
// stay stable across restarts or every stored key hash goes stale.
func loadOrCreateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) >= 16 {
		return data, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}
