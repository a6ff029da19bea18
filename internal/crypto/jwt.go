package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const tokenIssuer = "foreman"

// seedInfo domain-separates the signing seed from any other key material
// ever derived from the same secret.
const seedInfo = "foreman token signing v1"

// TokenClaims is the JWT payload for API tokens.
type TokenClaims struct {
	Extras map[string]interface{} `json:"extras,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies API tokens. The Ed25519 keypair is derived
// deterministically from the configured auth secret, so every process with
// the same secret accepts each other's tokens.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewJWTManager derives a signing keypair from the auth secret.
func NewJWTManager(secret string) (*JWTManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth secret is empty")
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(seedInfo)), seed); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	return &JWTManager{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// CreateToken issues a token for the given subject. Tokens do not expire;
// revocation happens by rotating the auth secret.
func (m *JWTManager) CreateToken(subject string, extras map[string]interface{}) (string, error) {
	claims := TokenClaims{
		Extras: extras,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(m.privateKey)
}

// VerifyToken parses and verifies a token, rejecting any signing method
// other than EdDSA.
func (m *JWTManager) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
