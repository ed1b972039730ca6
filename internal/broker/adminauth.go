// internal/broker/adminauth.go
// Authentication for the admin HTTP surface.  Supports two modes:
//  1. Static bearer token (shared secret) – very cheap check for internal
//     clusters.  Enabled when AdminConfig.AuthToken is non-empty.
//  2. JWT HMAC-SHA256 token – validates signature, issuer and expiry via
//     pkg/auth.Verifier when AdminConfig.JWTSecret is set (takes
//     precedence over the plain AuthToken).
//
// This guards the operator tooling only (/metrics, /status/ws). The tunnel
// port itself stays unauthenticated: service keys are an open namespace.
package broker

import (
	"errors"
	"net/http"
	"strings"

	"github.com/quaybridge/pbmapper/pkg/auth"
)

var errInvalidToken = errors.New("broker: invalid admin token")

// validateBearer validates an Authorization header value against the
// configured JWT secret or static token.
func (a *adminServer) validateBearer(token string) error {
	if strings.HasPrefix(token, "Bearer ") {
		token = strings.TrimPrefix(token, "Bearer ")
	}
	// Prefer JWT validation when enabled.
	if len(a.cfg.JWTSecret) > 0 {
		verifier := auth.NewVerifier(a.cfg.JWTSecret, a.cfg.JWTIssuer)
		_, err := verifier.ParseAndVerify(token)
		return err
	}
	if a.cfg.AuthToken == "" {
		return nil // auth disabled
	}
	if token != a.cfg.AuthToken {
		return errInvalidToken
	}
	return nil
}

// authMiddleware protects every admin endpoint with validateBearer. When
// neither a JWT secret nor a static token is configured it is a pass-through.
func (a *adminServer) authMiddleware(next http.Handler) http.Handler {
	if len(a.cfg.JWTSecret) == 0 && a.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.validateBearer(r.Header.Get("Authorization")); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
