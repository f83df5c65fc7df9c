package security

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/o1egl/paseto"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrTokenInvalid is returned for tokens that fail decryption or claim checks.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
)

// Scopes carried by gateway tokens.
const (
	ScopeRead  = "read"
	ScopeTrade = "trade"
)

// TokenManager issues and validates v2.local PASETO bearer tokens.
type TokenManager struct {
	key      []byte
	issuer   string
	audience string
	keyID    string
	now      func() time.Time
}

// TokenClaims represents the claims in a gateway token
type TokenClaims struct {
	Subject   string    `json:"sub"`
	Issuer    string    `json:"iss"`
	Audience  string    `json:"aud"`
	Jti       string    `json:"jti"`
	IssuedAt  time.Time `json:"iat"`
	NotBefore time.Time `json:"nbf"`
	ExpiredAt time.Time `json:"exp"`
	Scopes    []string  `json:"scopes,omitempty"`
}

// HasScope reports whether the token grants scope.
func (c *TokenClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type tokenFooter struct {
	KeyID string `json:"kid"`
}

// NewTokenManager derives the symmetric key from secret.
func NewTokenManager(secret, issuer, audience string) (*TokenManager, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("token secret must be at least 16 bytes")
	}
	key := deriveKey(secret, "marketgate-token-key", 32)
	sum := sha256.Sum256(key)
	return &TokenManager{
		key:      key,
		issuer:   issuer,
		audience: audience,
		keyID:    fmt.Sprintf("%x", sum[:4]),
		now:      time.Now,
	}, nil
}

// GenerateToken issues a token for subject valid for ttl.
func (m *TokenManager) GenerateToken(subject string, ttl time.Duration, scopes ...string) (string, error) {
	now := m.now()
	claims := TokenClaims{
		Subject:   subject,
		Issuer:    m.issuer,
		Audience:  m.audience,
		Jti:       uuid.NewString(),
		IssuedAt:  now,
		NotBefore: now,
		ExpiredAt: now.Add(ttl),
		Scopes:    scopes,
	}
	footer, err := json.Marshal(tokenFooter{KeyID: m.keyID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal footer: %w", err)
	}

	token, err := paseto.NewV2().Encrypt(m.key, claims, footer)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return token, nil
}

// ValidateToken decrypts token and checks its time window, issuer and audience.
func (m *TokenManager) ValidateToken(token string) (*TokenClaims, error) {
	var claims TokenClaims
	var footer string
	if err := paseto.NewV2().Decrypt(token, m.key, &claims, &footer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := m.now()
	switch {
	case claims.ExpiredAt.Before(now):
		return nil, ErrTokenExpired
	case claims.NotBefore.After(now):
		return nil, fmt.Errorf("%w: not valid yet", ErrTokenInvalid)
	case claims.Issuer != m.issuer:
		return nil, fmt.Errorf("%w: issuer", ErrTokenInvalid)
	case claims.Audience != m.audience:
		return nil, fmt.Errorf("%w: audience", ErrTokenInvalid)
	}
	return &claims, nil
}

func deriveKey(secret, salt string, size int) []byte {
	return pbkdf2.Key([]byte(secret), []byte(salt), 10000, size, sha256.New)
}
