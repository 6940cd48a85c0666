package authn

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateRSAKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, string(pemBytes)
}

func signRS256(t *testing.T, priv *rsa.PrivateKey, claims CustomerClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestNewJWTVerifierRejectsEmptyKey(t *testing.T) {
	_, err := NewJWTVerifier("", "issuer")
	assert.Error(t, err)
}

func TestNewJWTVerifierRejectsGarbagePEM(t *testing.T) {
	_, err := NewJWTVerifier("not a pem", "issuer")
	assert.Error(t, err)
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	priv, pubPEM := generateRSAKeyPair(t)
	v, err := NewJWTVerifier(pubPEM, "fleetops")
	require.NoError(t, err)

	claims := CustomerClaims{
		TenantID:    "tenant-1",
		PrincipalID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fleetops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed := signRS256(t, priv, claims)

	got, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, "user-1", got.PrincipalID)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	priv, pubPEM := generateRSAKeyPair(t)
	v, err := NewJWTVerifier(pubPEM, "")
	require.NoError(t, err)

	claims := CustomerClaims{
		TenantID: "tenant-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed := signRS256(t, priv, claims)

	_, err = v.Verify(signed)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	priv, pubPEM := generateRSAKeyPair(t)
	v, err := NewJWTVerifier(pubPEM, "fleetops")
	require.NoError(t, err)

	claims := CustomerClaims{
		TenantID: "tenant-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed := signRS256(t, priv, claims)

	_, err = v.Verify(signed)
	assert.Error(t, err)
}

func TestVerifyRejectsMissingTenant(t *testing.T) {
	priv, pubPEM := generateRSAKeyPair(t)
	v, err := NewJWTVerifier(pubPEM, "")
	require.NoError(t, err)

	claims := CustomerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed := signRS256(t, priv, claims)

	_, err = v.Verify(signed)
	assert.Error(t, err)
}

func TestVerifyRejectsTokenSignedByDifferentKey(t *testing.T) {
	_, pubPEM := generateRSAKeyPair(t)
	otherPriv, _ := generateRSAKeyPair(t)
	v, err := NewJWTVerifier(pubPEM, "")
	require.NoError(t, err)

	claims := CustomerClaims{
		TenantID: "tenant-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed := signRS256(t, otherPriv, claims)

	_, err = v.Verify(signed)
	assert.Error(t, err)
}

func TestBearerFromHeader(t *testing.T) {
	assert.Equal(t, "abc.def.ghi", BearerFromHeader("Bearer abc.def.ghi"))
	assert.Equal(t, "abc.def.ghi", BearerFromHeader("bearer abc.def.ghi"))
	assert.Equal(t, "", BearerFromHeader("Basic abc"))
	assert.Equal(t, "", BearerFromHeader(""))
	assert.Equal(t, "", BearerFromHeader("Bearer"))
}

func TestBearerFromSubprotocols(t *testing.T) {
	assert.Equal(t, "abc.def.ghi", BearerFromSubprotocols([]string{"other", "auth-abc.def.ghi"}))
	assert.Equal(t, "", BearerFromSubprotocols([]string{"other", "json"}))
	assert.Equal(t, "", BearerFromSubprotocols(nil))
}

func TestCheckInternalToken(t *testing.T) {
	assert.True(t, CheckInternalToken("secret", "secret"))
	assert.False(t, CheckInternalToken("secret", "wrong"))
	assert.False(t, CheckInternalToken("", "secret"))
	assert.False(t, CheckInternalToken("secret", ""))
}
