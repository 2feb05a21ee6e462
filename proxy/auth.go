// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"proxilion/gateway/shared/logger"
)

// AuthMode selects how missing or invalid credentials are treated.
// Enforce rejects with 401; monitor logs and lets the request continue
// anonymously.
type AuthMode string

const (
	AuthModeEnforce AuthMode = "enforce"
	AuthModeMonitor AuthMode = "monitor"
)

// parseAuthMode normalises a mode string, defaulting to enforce.
func parseAuthMode(s string) AuthMode {
	if AuthMode(strings.ToLower(s)) == AuthModeMonitor {
		return AuthModeMonitor
	}
	return AuthModeEnforce
}

// Credential methods reported in identity and audit fields.
const (
	AuthMethodJWT    = "jwt"
	AuthMethodAPIKey = "api-key"
)

// Authentication errors.
var (
	ErrNoCredentials = errors.New("auth: no credentials presented")
	ErrInvalidToken  = errors.New("auth: invalid bearer token")
	ErrUnknownAPIKey = errors.New("auth: unknown api key")
)

// Identity is the caller extracted from inbound credentials. It feeds
// the request metadata, the rate-limit key, and the audit record; the
// gateway issues no tokens of its own.
type Identity struct {
	UserID string
	Tenant string
	Method string
}

// Authenticator extracts identities from bearer JWTs (HMAC-signed,
// sub or client_id claim) and from X-API-Key headers.
type Authenticator struct {
	secret  []byte
	apiKeys map[string]Identity
	log     *logger.Logger
}

// NewAuthenticator wires the verifier. An empty secret disables JWT
// verification; a nil key map disables API keys.
func NewAuthenticator(secret []byte, apiKeys map[string]Identity) *Authenticator {
	return &Authenticator{
		secret:  secret,
		apiKeys: apiKeys,
		log:     logger.New("auth"),
	}
}

// Identify resolves the caller of the request. The X-API-Key header is
// checked first, then the Authorization bearer token. A request carrying
// neither fails with ErrNoCredentials; how fatal that is depends on the
// surface's auth mode.
func (a *Authenticator) Identify(r *http.Request) (Identity, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		ident, ok := a.apiKeys[key]
		if !ok {
			return Identity{}, ErrUnknownAPIKey
		}
		return ident, nil
	}

	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") || strings.HasPrefix(authz, "bearer ") {
		return a.identifyJWT(strings.TrimSpace(authz[len("Bearer "):]))
	}

	return Identity{}, ErrNoCredentials
}

// identifyJWT verifies the token signature and lifts the identity
// claims. The user id comes from sub, falling back to client_id.
func (a *Authenticator) identifyJWT(tokenString string) (Identity, error) {
	if len(a.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: no verification secret configured", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	userID := getClaimString(claims, "sub")
	if userID == "" {
		userID = getClaimString(claims, "client_id")
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: no subject claim", ErrInvalidToken)
	}

	return Identity{
		UserID: userID,
		Tenant: getClaimString(claims, "tenant_id"),
		Method: AuthMethodJWT,
	}, nil
}

// getClaimString reads a string claim, tolerating absent keys and
// non-string values.
func getClaimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
