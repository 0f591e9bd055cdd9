package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/identity"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestVerify_ValidToken(t *testing.T) {
	v := identity.NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	sub, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", sub)
}

func TestVerify_WrongSecret(t *testing.T) {
	v := identity.NewJWTVerifier(testSecret)
	token := signToken(t, "other-secret", jwt.MapClaims{"sub": "user-42"})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestVerify_Expired(t *testing.T) {
	v := identity.NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestVerify_MissingSubject(t *testing.T) {
	v := identity.NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestVerify_Garbage(t *testing.T) {
	v := identity.NewJWTVerifier(testSecret)
	_, err := v.Verify(context.Background(), "not.a.jwt")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}
