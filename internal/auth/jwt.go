package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/saasops/adminservice/internal/domain"
)

// SessionClaims is the subset of the identity service's token we rely on.
// The token is trusted for identity only; role and permission resolution is
// always done locally.
type SessionClaims struct {
	UserID   string
	Email    string
	IssuedAt time.Time
}

// TokenValidator validates RS256 bearer tokens issued by the identity
// service.
type TokenValidator struct {
	publicKey *rsa.PublicKey
}

// NewTokenValidator creates a validator from a PEM-encoded RSA public key.
func NewTokenValidator(publicKeyPEM string) (*TokenValidator, error) {
	if publicKeyPEM == "" {
		return nil, fmt.Errorf("public key PEM is required")
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block containing public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an RSA key")
	}
	return &TokenValidator{publicKey: rsaKey}, nil
}

// Validate parses and verifies a bearer token and extracts session claims.
func (v *TokenValidator) Validate(token string) (SessionClaims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return SessionClaims{}, domain.NewAuthenticationError("missing bearer token")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return SessionClaims{}, domain.NewAuthenticationError("invalid or expired session")
	}
	if !parsed.Valid {
		return SessionClaims{}, domain.NewAuthenticationError("invalid session token")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return SessionClaims{}, domain.NewAuthenticationError("malformed token claims")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return SessionClaims{}, domain.NewAuthenticationError("token has no subject")
	}

	out := SessionClaims{UserID: sub}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return out, nil
}
