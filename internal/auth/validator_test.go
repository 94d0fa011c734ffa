package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key, &key.PublicKey
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	priv, pub := newTestKeyPair(t)
	v := NewValidator(pub, "gatewayd")

	signed := signToken(t, priv, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "gatewayd",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: "user-1",
	})

	claims, err := v.Validate(signed)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", claims.UserID)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	priv, pub := newTestKeyPair(t)
	v := NewValidator(pub, "")

	signed := signToken(t, priv, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := v.Validate(signed)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	priv, pub := newTestKeyPair(t)
	v := NewValidator(pub, "gatewayd")

	signed := signToken(t, priv, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := v.Validate(signed)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateRejectsMissingExpiry(t *testing.T) {
	priv, pub := newTestKeyPair(t)
	v := NewValidator(pub, "")

	signed := signToken(t, priv, &Claims{})

	_, err := v.Validate(signed)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid for a token with no exp claim", err)
	}
}

func TestValidateRejectsNonRSASigningMethod(t *testing.T) {
	_, pub := newTestKeyPair(t)
	v := NewValidator(pub, "")

	hmacSecret := []byte("not-an-rsa-key-but-shaped-like-one")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(hmacSecret)
	if err != nil {
		t.Fatalf("sign HS256 token: %v", err)
	}

	_, err = v.Validate(signed)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid for an HMAC-signed token", err)
	}
}

func TestValidateRejectsAlgNone(t *testing.T) {
	_, pub := newTestKeyPair(t)
	v := NewValidator(pub, "")

	// alg:none tokens carry a signature of zero length; construct one by
	// hand since jwt-go refuses to sign with SigningMethodNone by default.
	unsigned := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." +
		"eyJleHAiOjk5OTk5OTk5OTl9."

	_, err := v.Validate(unsigned)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid for alg:none", err)
	}
}
