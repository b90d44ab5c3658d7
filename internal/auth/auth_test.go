package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestJWTVerifier(t *testing.T) {
	ctx := context.Background()
	v := NewJWTVerifier(secret, "modelopt", "")

	t.Run("subject claim", func(t *testing.T) {
		tok, err := Sign(secret, "user-1", jwt.MapClaims{"iss": "modelopt", "exp": time.Now().Add(time.Hour).Unix()})
		require.NoError(t, err)

		id, err := v.Verify(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "user-1", id.UserID)
	})

	t.Run("user_id fallback", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "user-2", "iss": "modelopt"}).SignedString([]byte(secret))
		require.NoError(t, err)

		id, err := v.Verify(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "user-2", id.UserID)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		tok, err := Sign(secret, "user-1", jwt.MapClaims{"iss": "someone-else"})
		require.NoError(t, err)

		_, err = v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := Sign(secret, "user-1", jwt.MapClaims{"iss": "modelopt", "exp": time.Now().Add(-time.Minute).Unix()})
		require.NoError(t, err)

		_, err = v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok, err := Sign("other", "user-1", jwt.MapClaims{"iss": "modelopt"})
		require.NoError(t, err)

		_, err = v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no subject", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "modelopt"}).SignedString([]byte(secret))
		require.NoError(t, err)

		_, err = v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify(ctx, "not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestJWTVerifierWithoutSecret(t *testing.T) {
	_, err := NewJWTVerifier("", "", "").Verify(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoSecret)
}
