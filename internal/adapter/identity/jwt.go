// Package identity verifies bearer tokens issued by the identity provider.
package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// JWTVerifier implements domain.TokenVerifier for HS256 tokens sharing a
// secret with the identity provider.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a verifier with the shared HMAC secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify validates the token signature and expiry and returns the subject.
func (v *JWTVerifier) Verify(_ domain.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("op=identity.verify: %w", domain.ErrUnauthenticated)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("op=identity.verify: token has no subject: %w", domain.ErrUnauthenticated)
	}
	return sub, nil
}
