package realtime

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	token, err := MintToken(secret, "casey", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	userID, err := verifyToken(secret, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "casey" {
		t.Fatalf("subject = %q, want casey", userID)
	}
}

func TestTokenWrongSecretRejected(t *testing.T) {
	token, err := MintToken([]byte("one"), "casey", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := verifyToken([]byte("two"), token); err == nil {
		t.Fatal("expected verification to fail")
	}
}

func TestTokenExpiredRejected(t *testing.T) {
	secret := []byte("s3cret")
	claims := jwt.RegisteredClaims{
		Subject:   "casey",
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifyToken(secret, token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestTokenWithoutSubjectRejected(t *testing.T) {
	secret := []byte("s3cret")
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifyToken(secret, token); err == nil {
		t.Fatal("expected subjectless token to fail")
	}
}

func TestTokenUnsignedAlgorithmRejected(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "casey",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifyToken([]byte("s3cret"), token); err == nil {
		t.Fatal("expected alg=none token to fail")
	}
}

func TestMintTokenRequiresInputs(t *testing.T) {
	if _, err := MintToken(nil, "casey", time.Minute); err == nil {
		t.Fatal("expected empty secret to fail")
	}
	if _, err := MintToken([]byte("s"), "", time.Minute); err == nil {
		t.Fatal("expected empty user to fail")
	}
}
