package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// clockSkew tolerates small clock drift between the issuer and the desk.
const clockSkew = 30 * time.Second

// Claims are the desk token claims. Subject carries the user id.
type Claims struct {
	DeskID string `json:"desk_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Identity returns the caller described by verified claims.
func (c *Claims) Identity() Identity {
	role, _ := NormalizeRole(c.Role)
	return Identity{DeskID: c.DeskID, Role: role, Subject: c.Subject}
}

// ParseJWT verifies an HS256 token and its desk claims. Tokens must carry an
// expiry.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("auth: %w", err)
	}

	switch {
	case claims.DeskID == "":
		return nil, fmt.Errorf("%w: missing desk_id", ErrInvalidClaims)
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidClaims)
	}
	if _, ok := NormalizeRole(claims.Role); !ok {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidClaims, claims.Role)
	}
	return claims, nil
}
