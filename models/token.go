package models

import "github.com/golang-jwt/jwt/v5"

// IdentityClaims is the payload of an identify token. The subject carries the
// user id the connection may identify as.
type IdentityClaims struct {
	jwt.RegisteredClaims
}
