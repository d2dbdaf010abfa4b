// Package auth issues and verifies the bearer tokens that gate the session
// gateway and the administrative HTTP surface. Tokens are signed JWTs; the
// only claim that matters downstream is the subject (user ID).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned for any token that fails signature
// verification, has expired, or is missing a subject claim.
var ErrInvalidToken = errors.New("auth: invalid token")

// Issuer signs and verifies access tokens for a single HMAC secret.
//
// The zero value is not usable; construct with [NewIssuer].
type Issuer struct {
	secret     []byte
	expireDays int
}

// NewIssuer creates an [Issuer]. expireDays must be positive; it controls how
// long issued tokens remain valid.
func NewIssuer(secret string, expireDays int) *Issuer {
	if expireDays <= 0 {
		expireDays = 30
	}
	return &Issuer{secret: []byte(secret), expireDays: expireDays}
}

// Issue signs a new access token for userID.
func (i *Issuer) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(i.expireDays) * 24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken implements gateway.TokenVerifier: it validates the signature
// and expiry of token and returns the subject (user ID) it carries.
func (i *Issuer) VerifyToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// HashPassword returns a bcrypt hash of password suitable for storing as
// User.PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// ComparePassword reports whether password matches the bcrypt hash produced
// by [HashPassword].
func ComparePassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
