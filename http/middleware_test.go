package http_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulefs/capsule"
	capsulehttp "github.com/capsulefs/capsule/http"
)

func TestTokenRoundTrip(t *testing.T) {
	u := &capsule.User{ID: 7, Email: "admin@example.com", Role: capsule.RoleSuperAdmin}

	raw, err := capsulehttp.IssueToken("secret", u, time.Hour)
	require.NoError(t, err)

	claims, err := capsulehttp.ParseToken("secret", raw)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.Equal(t, "admin@example.com", claims.Email)
	assert.Equal(t, capsule.RoleSuperAdmin, claims.Role)
	assert.Equal(t, "admin@example.com", claims.Subject)
}

func TestParseTokenRejects(t *testing.T) {
	u := &capsule.User{ID: 1, Email: "a@b.c", Role: capsule.RoleUser}

	t.Run("wrong secret", func(t *testing.T) {
		raw, err := capsulehttp.IssueToken("secret", u, time.Hour)
		require.NoError(t, err)

		_, err = capsulehttp.ParseToken("other", raw)
		require.ErrorIs(t, err, capsule.ErrUnauthorized)
	})

	t.Run("expired", func(t *testing.T) {
		raw, err := capsulehttp.IssueToken("secret", u, -time.Minute)
		require.NoError(t, err)

		_, err = capsulehttp.ParseToken("secret", raw)
		require.ErrorIs(t, err, capsule.ErrUnauthorized)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := capsulehttp.ParseToken("secret", "definitely.not.a.jwt")
		require.ErrorIs(t, err, capsule.ErrUnauthorized)
	})
}
