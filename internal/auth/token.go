// Package auth implements the identity gate: verification of the bearer
// tokens presented by clients at connection time. Tokens are HMAC-SHA256
// JWTs minted by the platform's auth service; this package only verifies
// them and extracts the stable principal identity (the "sub" claim, a phone
// number).
//
// The REST API and the WebSocket endpoints verify against the same
// configured secret. There is intentionally no second signing path.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Authentication errors. Both are fatal to the request or connection attempt
// that presented the credential; neither is retried server-side.
var (
	// ErrMissingToken is returned when no credential was presented.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken covers malformed, expired, or wrongly signed tokens,
	// and tokens without a usable subject claim.
	ErrInvalidToken = errors.New("invalid token")
)

// TokenVerifier validates bearer credentials against a shared HMAC secret.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier constructs a verifier for the given signing secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify checks the token signature, expiry, and signing method, and returns
// the principal identity from the "sub" claim.
func (v *TokenVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}
