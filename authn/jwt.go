// Package authn authenticates the two populations the gateway talks to:
// customers/web-portal clients present a bearer JWT issued by the identity
// provider, and devices present an opaque session token resolved through
// the broker. Neither path issues credentials; authn only verifies them.
package authn

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetops/gateway/core"
)

// CustomerClaims is the identity carried by a verified customer/web-portal
// JWT: the tenant a connection is scoped to and the human operator behind
// it.
type CustomerClaims struct {
	TenantID    string `json:"tenant_id"`
	PrincipalID string `json:"sub"`
	Email       string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates customer/web-portal bearer tokens against the
// identity provider's public key. It holds no mutable state past
// construction, so it is safe for concurrent use.
type JWTVerifier struct {
	key    interface{}
	issuer string
}

// NewJWTVerifier parses a PEM-encoded public key (PKIX RSA or Ed25519) and
// returns a Verifier bound to it. An empty issuer disables issuer
// validation.
func NewJWTVerifier(publicKeyPEM, issuer string) (*JWTVerifier, error) {
	if strings.TrimSpace(publicKeyPEM) == "" {
		return nil, &core.FrameworkError{Op: "authn.NewJWTVerifier", Kind: "authn", Message: "JWT public key is required", Err: core.ErrMissingConfiguration}
	}
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, &core.FrameworkError{Op: "authn.NewJWTVerifier", Kind: "authn", Message: "JWT public key is not valid PEM", Err: core.ErrInvalidConfiguration}
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, &core.FrameworkError{Op: "authn.NewJWTVerifier", Kind: "authn", Message: "failed to parse JWT public key", Err: err}
	}
	switch key.(type) {
	case *rsa.PublicKey, ed25519.PublicKey:
	default:
		return nil, &core.FrameworkError{Op: "authn.NewJWTVerifier", Kind: "authn", Message: "unsupported JWT public key type", Err: core.ErrInvalidConfiguration}
	}
	return &JWTVerifier{key: key, issuer: issuer}, nil
}

func (v *JWTVerifier) keyFunc(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodEd25519:
		return v.key, nil
	default:
		return nil, &core.FrameworkError{Op: "authn.Verify", Kind: "authn", Message: "unexpected signing method", Err: core.ErrUnauthenticated}
	}
}

// Verify parses and validates tokenString, returning its CustomerClaims.
// Any parse failure, signature mismatch, expiry, or issuer mismatch
// surfaces as core.ErrUnauthenticated.
func (v *JWTVerifier) Verify(tokenString string) (*CustomerClaims, error) {
	claims := &CustomerClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "EdDSA"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, opts...)
	if err != nil || !token.Valid {
		return nil, &core.FrameworkError{Op: "authn.Verify", Kind: "authn", Message: "invalid or expired token", Err: core.ErrUnauthenticated}
	}
	if claims.TenantID == "" {
		return nil, &core.FrameworkError{Op: "authn.Verify", Kind: "authn", Message: "token missing tenant_id claim", Err: core.ErrUnauthenticated}
	}
	return claims, nil
}

// BearerFromHeader extracts a bearer token from a standard Authorization
// header value ("Bearer <token>"), or "" if the header doesn't carry one.
func BearerFromHeader(authorization string) string {
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
		return authorization[len(prefix):]
	}
	return ""
}

// subprotocolPrefix is how browser clients that cannot set arbitrary
// headers on a WebSocket upgrade carry a bearer token instead: as a
// Sec-WebSocket-Protocol value of the form "auth-<jwt>".
const subprotocolPrefix = "auth-"

// BearerFromSubprotocols scans the Sec-WebSocket-Protocol candidates for
// one shaped like "auth-<jwt>" and returns the embedded token, or "" if
// none match.
func BearerFromSubprotocols(protocols []string) string {
	for _, p := range protocols {
		if strings.HasPrefix(p, subprotocolPrefix) {
			return strings.TrimPrefix(p, subprotocolPrefix)
		}
	}
	return ""
}

// CheckInternalToken constant-time compares presented against expected,
// guarding the internal metrics surface. It returns false (never panics)
// when expected is unconfigured, which callers must treat as "reject".
func CheckInternalToken(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
