// Package token inspects gateway access tokens on the client side. Tokens are opaque to the client and are never
// validated here (only the server holds the signing secret); the helpers extract claims without verification so the
// client can warn about expiry before the server rejects a handshake.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiry returns the expiry time embedded in a JWT access token. The second return is false for tokens that are not
// JWTs or carry no expiry claim; such tokens are treated as opaque and never expire client-side.
func Expiry(raw string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Subject returns the subject claim of a JWT access token, typically the user id, or false for opaque tokens.
func Subject(raw string) (string, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "", false
	}
	if claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}
