package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SignToken issues the short-lived HS256 bearer token sent with every
// request: iss is the user, sub the access level and the password is the
// signing secret. No token is issued without credentials.
func SignToken(user, pass, access string, ttl time.Duration, now time.Time) (string, error) {
	if user == "" || pass == "" {
		return "", nil
	}
	claims := jwt.RegisteredClaims{
		Issuer:    user,
		Subject:   access,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(pass))
	if err != nil {
		return "", fmt.Errorf("signing token for %s: %w", user, err)
	}
	return signed, nil
}

// SecretLookup returns the signing secret of a user.
type SecretLookup func(user string) (string, bool)

var ErrUnknownIssuer = errors.New("unknown token issuer")

// VerifyToken checks the signature and expiry of a bearer token and returns
// its claims. The secret is looked up by the unverified issuer.
func VerifyToken(token string, secret SecretLookup) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*jwt.RegisteredClaims)
		if !ok {
			return nil, ErrUnknownIssuer
		}
		s, ok := secret(c.Issuer)
		if !ok || s == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIssuer, c.Issuer)
		}
		return []byte(s), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
