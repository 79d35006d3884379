package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err, "failed to sign test token")
	return s
}

func TestTokenStore(t *testing.T) {
	s := NewTokenStore()
	assert.Empty(t, s.Token(), "expected empty token initially")

	s.SetToken("abc")
	assert.Equal(t, "abc", s.Token(), "expected stored token")

	s.SetToken("")
	assert.Empty(t, s.Token(), "expected token to be cleared")
}

func TestUserId(t *testing.T) {
	t.Run("sub claim", func(t *testing.T) {
		s := NewTokenStore()
		s.SetToken(signedToken(t, jwt.MapClaims{
			subClaim: "u1",
			"exp":    time.Now().Add(time.Hour).Unix(),
		}))

		assert.Equal(t, "u1", s.UserId(), "expected user id from sub claim")
	})

	t.Run("numeric user-id claim", func(t *testing.T) {
		s := NewTokenStore()
		s.SetToken(signedToken(t, jwt.MapClaims{
			userIdClaim: 42,
		}))

		assert.Equal(t, "42", s.UserId(), "expected user id from user-id claim")
	})

	t.Run("no token", func(t *testing.T) {
		s := NewTokenStore()
		assert.Empty(t, s.UserId(), "expected empty user id without a token")
	})

	t.Run("opaque token", func(t *testing.T) {
		s := NewTokenStore()
		s.SetToken("not-a-jwt")
		assert.Empty(t, s.UserId(), "expected empty user id for non-JWT token")
	})

	t.Run("missing claim", func(t *testing.T) {
		s := NewTokenStore()
		s.SetToken(signedToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}))
		assert.Empty(t, s.UserId(), "expected empty user id when claims are missing")
	})
}
