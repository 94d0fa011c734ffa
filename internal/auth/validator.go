// Package auth provides the gateway's optional token validator. Unlike the
// teacher's multi-provider auth service (password + OIDC + refresh tokens,
// kept under server/internal/auth/ as reference), the gateway never issues
// tokens itself — it is a local process trusting tokens minted elsewhere —
// so only RS256 verification is adapted here (§4.7 "optional token
// validator supplied at construction").
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors returned by Validator.Validate. Callers should use
// errors.Is for comparison.
var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims holds the claims the gateway cares about. Unknown claims in the
// token are ignored.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid,omitempty"`
}

// Validator verifies RS256-signed access tokens against a public key. The
// zero value is not usable — create instances with NewValidator.
type Validator struct {
	publicKey any // *rsa.PublicKey, accepted as any to keep the keyfunc generic
	issuer    string
}

// NewValidator creates a Validator from an RSA public key previously parsed
// from PEM (e.g. via x509.ParsePKIXPublicKey). issuer may be empty to skip
// issuer checking.
func NewValidator(publicKey any, issuer string) *Validator {
	return &Validator{publicKey: publicKey, issuer: issuer}
}

// Validate parses and verifies tokenString, rejecting anything not signed
// with RS256 to prevent alg:none and HMAC-confusion attacks.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
