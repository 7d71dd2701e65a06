// Package auth verifies bearer tokens and resolves them to registered
// users before a connection or request is admitted.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is malformed, unsigned,
	// or signed with the wrong key.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
)

// VerifierConfig holds token verification settings.
type VerifierConfig struct {
	SecretKey string
	Issuer    string
}

// Verifier validates HS256 bearer tokens issued by the identity provider
// and extracts the stable subject identifier.
type Verifier struct {
	config VerifierConfig
}

// NewVerifier creates a Verifier with the given configuration.
func NewVerifier(config VerifierConfig) *Verifier {
	return &Verifier{config: config}
}

// Verify validates tokenString and returns its subject claim.
func (v *Verifier) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(v.config.SecretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if v.config.Issuer != "" && claims.Issuer != v.config.Issuer {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}

// Issue signs a token for subject valid for ttl. The relay itself never
// issues tokens in production; this supports local development and tests.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    v.config.Issuer,
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(v.config.SecretKey))
}
