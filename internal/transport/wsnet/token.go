// ABOUTME: JWT tokens identifying websocket peers by their destination
// ABOUTME: Uses HS256 signing with the configured shared secret

package wsnet

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/coven-relay/internal/transport"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// peerClaims carries the destination a peer is allowed to occupy.
type peerClaims struct {
	Kind    transport.Kind `json:"kind"`
	TabID   int            `json:"tab_id,omitempty"`
	FrameID int            `json:"frame_id,omitempty"`
	Name    string         `json:"name,omitempty"`
	URL     string         `json:"url,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier issues and verifies peer tokens.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier with the given secret.
func NewTokenVerifier(secret []byte) (*TokenVerifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &TokenVerifier{secret: secret}, nil
}

// Verify validates the token and returns the destination it grants.
func (v *TokenVerifier) Verify(tokenString string) (transport.Destination, error) {
	var claims peerClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return transport.Destination{}, ErrExpiredToken
		}
		return transport.Destination{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return transport.Destination{}, ErrInvalidToken
	}

	if claims.Kind == "" {
		return transport.Destination{}, fmt.Errorf("%w: kind", ErrMissingClaim)
	}
	if claims.Subject == "" {
		return transport.Destination{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	dest := transport.Destination{
		Kind:    claims.Kind,
		TabID:   claims.TabID,
		FrameID: claims.FrameID,
		Name:    claims.Name,
		URL:     claims.URL,
	}
	if dest.Key() != claims.Subject {
		return transport.Destination{}, fmt.Errorf("%w: sub %q does not match destination %q", ErrInvalidToken, claims.Subject, dest.Key())
	}
	return dest, nil
}

// Generate creates a token granting dest, valid for expiresIn.
func (v *TokenVerifier) Generate(dest transport.Destination, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := peerClaims{
		Kind:    dest.Kind,
		TabID:   dest.TabID,
		FrameID: dest.FrameID,
		Name:    dest.Name,
		URL:     dest.URL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   dest.Key(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
