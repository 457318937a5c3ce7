package wsnet

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/transport"
)

func TestTokenVerifier_RoundTrip(t *testing.T) {
	v, err := NewTokenVerifier([]byte(testSecret))
	require.NoError(t, err)

	dest := transport.Tab(12, 2, "https://video.example.com/watch")
	token, err := v.Generate(dest, time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, dest, got)
}

func TestTokenVerifier_ShortSecret(t *testing.T) {
	_, err := NewTokenVerifier([]byte("short"))
	assert.Error(t, err)
}

func TestTokenVerifier_Expired(t *testing.T) {
	v, err := NewTokenVerifier([]byte(testSecret))
	require.NoError(t, err)

	token, err := v.Generate(transport.UI("popup"), -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenVerifier_WrongSecret(t *testing.T) {
	a, err := NewTokenVerifier([]byte(testSecret))
	require.NoError(t, err)
	b, err := NewTokenVerifier([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)

	token, err := a.Generate(transport.UI("popup"), time.Hour)
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenVerifier_SubjectMismatch(t *testing.T) {
	v, err := NewTokenVerifier([]byte(testSecret))
	require.NoError(t, err)

	claims := peerClaims{
		Kind:  transport.KindContent,
		TabID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "content:2:0",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenVerifier_MissingKind(t *testing.T) {
	v, err := NewTokenVerifier([]byte(testSecret))
	require.NoError(t, err)

	claims := jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}
