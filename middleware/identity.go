// Package middleware holds HTTP wrappers applied in front of handlers.
//
// A middleware is func(next http.Handler) http.Handler: it does its check
// and either calls next or writes the error response itself.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/akinalp/medcall/pkg"
)

type contextKey string

// UserIDContextKey carries the user id vouched for by the bearer token.
const UserIDContextKey contextKey = "userID"

// TokenVerifier checks that token vouches for userID.
// services.IdentityTokenService implements it.
type TokenVerifier interface {
	Verify(token, userID string) error
}

// IdentityMiddleware gates endpoints on the same identify tokens /ws uses.
type IdentityMiddleware struct {
	verifier TokenVerifier
}

// NewIdentityMiddleware builds the middleware. A nil verifier disables the
// check, matching a broker started without SIGNAL_TOKEN_SECRET.
func NewIdentityMiddleware(verifier TokenVerifier) *IdentityMiddleware {
	return &IdentityMiddleware{verifier: verifier}
}

// Require expects "Authorization: Bearer <token>" whose subject equals the
// userId query parameter.
func (m *IdentityMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")

		if m.verifier == nil {
			next.ServeHTTP(w, withUserID(r, userID))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "invalid authorization format, use: Bearer <token>")
			return
		}
		if userID == "" {
			pkg.Error(w, fmt.Errorf("%w: userId is required", pkg.ErrBadRequest))
			return
		}

		if err := m.verifier.Verify(token, userID); err != nil {
			pkg.Error(w, err)
			return
		}

		next.ServeHTTP(w, withUserID(r, userID))
	})
}

// UserIDFromContext returns the user id set by Require, if any.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(UserIDContextKey).(string)
	return id
}

func withUserID(r *http.Request, userID string) *http.Request {
	if userID == "" {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), UserIDContextKey, userID))
}
