package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("test-signing-key-not-a-trust-boundary"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// decodeStructural never verifies a signature (that is go-ucan's job on the
// real trust-boundary path), so any signing key produces a token it accepts
// as long as the claims are well-formed and carry an exp.
func TestDecodeStructuralAcceptsWellFormedToken(t *testing.T) {
	token := signedToken(t, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	claims, err := decodeStructural(token)
	if err != nil {
		t.Fatalf("decodeStructural failed on a well-formed token: %v", err)
	}
	if claims.ExpiresAt == nil {
		t.Fatal("expected exp to survive the decode")
	}
}

func TestDecodeStructuralRejectsMissingExpiry(t *testing.T) {
	token := signedToken(t, jwt.RegisteredClaims{})
	if _, err := decodeStructural(token); err == nil {
		t.Fatal("expected decodeStructural to reject a token with no exp claim")
	}
}

func TestDecodeStructuralRejectsMalformedToken(t *testing.T) {
	if _, err := decodeStructural("not-a-jwt-at-all"); err == nil {
		t.Fatal("expected decodeStructural to reject a non-JWT string")
	}
}

// TestDecodeStructuralAcceptsExpiredToken documents that decodeStructural
// is a shape check only — expiry enforcement, like signature verification,
// belongs to the UCAN capability walk downstream (Verifier.checkCapability),
// never to this pre-check.
func TestDecodeStructuralAcceptsExpiredToken(t *testing.T) {
	token := signedToken(t, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	if _, err := decodeStructural(token); err != nil {
		t.Fatalf("expected decodeStructural to ignore expiry, got: %v", err)
	}
}
