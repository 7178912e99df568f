package services

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/akinalp/medcall/models"
	"github.com/akinalp/medcall/pkg"
)

const tokenIssuer = "medcall"

// IdentityTokenService mints and checks the HS256 tokens carried by identify.
//
// The broker does not authenticate users itself. Whoever holds the shared
// secret (the appointment backend, or a dev peer) vouches for a user id by
// signing it into the token subject.
type IdentityTokenService interface {
	Mint(userID string, ttl time.Duration) (string, error)
	// Verify implements ws.IdentityVerifier.
	Verify(token, userID string) error
}

type identityTokenService struct {
	secret []byte
	clock  clock.Clock
}

// NewIdentityTokenService builds the service for a shared secret.
func NewIdentityTokenService(secret string, clk clock.Clock) IdentityTokenService {
	if clk == nil {
		clk = clock.New()
	}
	return &identityTokenService{secret: []byte(secret), clock: clk}
}

func (s *identityTokenService) Mint(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", pkg.ErrBadRequest)
	}

	now := s.clock.Now()
	claims := &models.IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign identify token: %w", err)
	}
	return signed, nil
}

func (s *identityTokenService) Verify(tokenString, userID string) error {
	if tokenString == "" {
		return fmt.Errorf("%w: missing identify token", pkg.ErrUnauthorized)
	}

	claims := &models.IdentityClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: invalid identify token: %v", pkg.ErrUnauthorized, err)
	}

	if claims.Subject != userID {
		return fmt.Errorf("%w: token subject does not match user id", pkg.ErrUnauthorized)
	}
	return nil
}
