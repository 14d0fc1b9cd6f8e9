package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("test-secret-for-defaults-minimum-32"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	expires := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	raw := signedToken(t, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(expires),
	})

	got, ok := Expiry(raw)
	if !ok {
		t.Fatal("Expiry() ok = false for a JWT with exp")
	}
	if !got.Equal(expires) {
		t.Errorf("Expiry() = %v, want %v", got, expires)
	}
}

func TestExpiryOpaqueToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"opaque", "mfa.abc123def"},
		{"empty", ""},
		{"not a jwt", "1234"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, ok := Expiry(tt.raw); ok {
				t.Errorf("Expiry(%q) ok = true, want false", tt.raw)
			}
		})
	}
}

func TestExpiryMissingClaim(t *testing.T) {
	t.Parallel()

	raw := signedToken(t, jwt.RegisteredClaims{Subject: "user-1"})
	if _, ok := Expiry(raw); ok {
		t.Error("Expiry() ok = true for a JWT without exp")
	}
}

func TestSubject(t *testing.T) {
	t.Parallel()

	raw := signedToken(t, jwt.RegisteredClaims{Subject: "3f1c2a"})
	got, ok := Subject(raw)
	if !ok || got != "3f1c2a" {
		t.Errorf("Subject() = (%q, %v), want (3f1c2a, true)", got, ok)
	}

	if _, ok := Subject("opaque-token"); ok {
		t.Error("Subject() ok = true for an opaque token")
	}
}
