package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RandBytes fills the provided slice with cryptographically secure random
// bytes.
func RandBytes(out []byte) ([]byte, error) {
	if len(out) == 0 {
		return out, fmt.Errorf("output slice is empty")
	}
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("rand read: %w", err)
	}
	return out, nil
}

// NewAuthSecret generates a fresh secret suitable for FOREMAN_AUTH_SECRET.
func NewAuthSecret() (string, error) {
	buf, err := RandBytes(make([]byte, 32))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
