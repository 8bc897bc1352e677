// Package auth issues and checks the display session token: an HS256 JWT
// carried in an HttpOnly cookie or a Bearer header.
package auth

import "github.com/golang-jwt/jwt/v5"

// OperatorClaims identifies a logged-in operator.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}
