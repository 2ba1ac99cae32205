package daemon

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenHeader carries the caller's JWT.
const TokenHeader = "X-DAB-JW-TOKEN"

var ErrTokenInvalid = errors.New("invalid token")

type principalKey struct{}

// TokenClaims are the claims patternd reads from a caller's token.
type TokenClaims struct {
	jwt.RegisteredClaims
}

// ControlAuth verifies RS256 tokens against one public key.
type ControlAuth struct {
	key *rsa.PublicKey
}

// NewControlAuth builds the middleware from a PEM-encoded RSA public key.
func NewControlAuth(publicKeyPEM []byte) (*ControlAuth, error) {
	if len(publicKeyPEM) == 0 {
		return nil, errors.New("jwt public key is required")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return &ControlAuth{key: key}, nil
}

// LoadControlAuth reads the public key at path. An empty path disables auth
// and returns nil.
func LoadControlAuth(path string) (*ControlAuth, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key %s: %w", path, err)
	}
	return NewControlAuth(data)
}

// ParseToken validates signature, expiry and subject.
func (a *ControlAuth) ParseToken(raw string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &TokenClaims{}, func(_ *jwt.Token) (any, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

// Wrap rejects requests without a valid token. A nil ControlAuth passes
// everything through.
func (a *ControlAuth) Wrap(next http.Handler) http.Handler {
	if a == nil || next == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(TokenHeader))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		claims, err := a.ParseToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Principal returns the authenticated subject, or "" when auth is off.
func Principal(ctx context.Context) string {
	subject, _ := ctx.Value(principalKey{}).(string)
	return subject
}
