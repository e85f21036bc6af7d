package token

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestUserID_Subject(t *testing.T) {
	raw := signed(t, jwt.MapClaims{"sub": "u42"})
	uid, err := UserID(raw)
	require.NoError(t, err)
	assert.Equal(t, "u42", uid)
}

func TestUserID_LegacyClaim(t *testing.T) {
	raw := signed(t, jwt.MapClaims{"userId": "u42"})
	uid, err := UserID(raw)
	require.NoError(t, err)
	assert.Equal(t, "u42", uid)
}

func TestUserID_NoSubject(t *testing.T) {
	raw := signed(t, jwt.MapClaims{"aud": "utalk"})
	_, err := UserID(raw)
	assert.ErrorIs(t, err, ErrNoSubject)
}

func TestUserID_Garbage(t *testing.T) {
	_, err := UserID("not-a-token")
	assert.Error(t, err)
}

func TestRoomID(t *testing.T) {
	assert.Equal(t, "conversation:conv-1", RoomID("conv-1"))
}
