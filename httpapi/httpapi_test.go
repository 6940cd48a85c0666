package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/gateway/authn"
	"github.com/fleetops/gateway/broker"
	"github.com/fleetops/gateway/catalog"
	"github.com/fleetops/gateway/core"
	"github.com/fleetops/gateway/queue"
)

func requireBroker(t *testing.T) *broker.Adapter {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping httpapi test in short mode")
	}
	conn, err := net.DialTimeout("tcp", "localhost:6379", time.Second)
	if err != nil {
		t.Skip("broker not available at localhost:6379")
	}
	conn.Close()

	a, err := broker.New(broker.Options{RedisURL: "redis://localhost:6379", DB: 13, Namespace: "gwtest-httpapi"})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func newTestJWT(t *testing.T, tenantID, principalID string) (*authn.JWTVerifier, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	verifier, err := authn.NewJWTVerifier(string(pemKey), "")
	require.NoError(t, err)

	claims := authn.CustomerClaims{TenantID: tenantID, PrincipalID: principalID}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(priv)
	require.NoError(t, err)

	return verifier, signed
}

func buildHandler(t *testing.T) (*http.ServeMux, *catalog.MemoryStore, *queue.Queue, *authn.JWTVerifier, string) {
	t.Helper()
	bkr := requireBroker(t)
	store := catalog.NewMemoryStore()
	store.RegisterDevice("dev-1", "tenant-1")

	q := queue.New(bkr, core.QueueConfig{
		MaxClaimLimit: 10, MinVisibility: time.Second, MaxVisibility: time.Hour,
		MaxExtension: time.Hour, CompletedHistorySize: 10, MaxOutputBytes: 1024, MaxErrorBytes: 1024,
	}, nil)

	verifier, token := newTestJWT(t, "tenant-1", "cust-1")
	deviceAuth := authn.NewDeviceAuthenticator(bkr, time.Hour)

	mux := http.NewServeMux()
	New(mux, Deps{
		Queue:             q,
		Store:             store,
		Broker:            bkr,
		DeviceAuth:        deviceAuth,
		JWT:               verifier,
		InternalAuthToken: "internal-secret",
	})
	return mux, store, q, verifier, token
}

func TestHealthzAlwaysOK(t *testing.T) {
	mux := http.NewServeMux()
	New(mux, Deps{InternalAuthToken: "x"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzOKWithLiveBroker(t *testing.T) {
	mux, _, _, _, _ := buildHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInternalMetricsRequiresToken(t *testing.T) {
	mux, _, _, _, _ := buildHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer internal-secret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeviceClaimExtendResultHTTPRoundTrip(t *testing.T) {
	mux, _, q, _, _ := buildHandler(t)
	bkr := requireBroker(t)

	require.NoError(t, bkr.Set(t.Context(), "session:tok-http-1", map[string]string{"device_id": "dev-1", "tenant_id": "tenant-1"}, time.Hour))
	_, err := q.Enqueue(t.Context(), "dev-1", "tenant-1", "reboot", nil, 3)
	require.NoError(t, err)

	claimBody, _ := json.Marshal(map[string]interface{}{"limit": 1, "visibilityTimeout": 60000})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/commands/claim", bytes.NewReader(claimBody))
	req.Header.Set("X-Device-Session", "tok-http-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var claimResp struct {
		Commands []struct {
			ID         string `json:"id"`
			ClaimToken string `json:"claim_token"`
		} `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimResp))
	require.Len(t, claimResp.Commands, 1)
	cmdID := claimResp.Commands[0].ID
	token := claimResp.Commands[0].ClaimToken

	extendBody, _ := json.Marshal(map[string]interface{}{"claimToken": token, "extensionMs": 60000})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/device/commands/"+cmdID+"/extend", bytes.NewReader(extendBody))
	req.Header.Set("X-Device-Session", "tok-http-1")
	req.SetPathValue("id", cmdID)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	resultBody, _ := json.Marshal(map[string]interface{}{
		"claimToken": token,
		"result":     map[string]interface{}{"status": "completed", "output": "ok", "executed_at": time.Now().Format(time.RFC3339), "duration_ms": 10},
	})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/device/commands/"+cmdID+"/result", bytes.NewReader(resultBody))
	req.Header.Set("X-Device-Session", "tok-http-1")
	req.SetPathValue("id", cmdID)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/device/commands/"+cmdID+"/result", bytes.NewReader(resultBody))
	req.Header.Set("X-Device-Session", "tok-http-1")
	req.SetPathValue("id", cmdID)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeviceClaimZeroLimitReturnsEmptyWithoutLeasing(t *testing.T) {
	mux, _, q, _, _ := buildHandler(t)
	bkr := requireBroker(t)

	require.NoError(t, bkr.Set(t.Context(), "session:tok-http-zero", map[string]string{"device_id": "dev-1", "tenant_id": "tenant-1"}, time.Hour))
	_, err := q.Enqueue(t.Context(), "dev-1", "tenant-1", "reboot", nil, 3)
	require.NoError(t, err)

	claimBody, _ := json.Marshal(map[string]interface{}{"limit": 0})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/commands/claim", bytes.NewReader(claimBody))
	req.Header.Set("X-Device-Session", "tok-http-zero")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var claimResp struct {
		Commands []json.RawMessage `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimResp))
	assert.Empty(t, claimResp.Commands)

	// The queued command is untouched: a real claim still finds it pending.
	cmds, err := q.Claim(t.Context(), "dev-1", 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, cmds, 1)
}

func TestDeviceClaimOverLimitRejectedBeforeQueue(t *testing.T) {
	mux, _, _, _, _ := buildHandler(t)
	bkr := requireBroker(t)

	require.NoError(t, bkr.Set(t.Context(), "session:tok-http-11", map[string]string{"device_id": "dev-1", "tenant_id": "tenant-1"}, time.Hour))

	claimBody, _ := json.Marshal(map[string]interface{}{"limit": 11})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/commands/claim", bytes.NewReader(claimBody))
	req.Header.Set("X-Device-Session", "tok-http-11")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveSessionConcurrentUpdateConflict(t *testing.T) {
	mux, store, _, _, token := buildHandler(t)

	session, err := store.CreateCustomerSession(t.Context(), "tenant-1", "dev-1")
	require.NoError(t, err)

	staleUpdatedAt := session.UpdatedAt.Add(-time.Hour)
	body, _ := json.Marshal(map[string]interface{}{"commandId": "cmd-1", "approved": true, "expectedUpdatedAt": staleUpdatedAt})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/customer/sessions/"+session.ID+"/approve", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.SetPathValue("id", session.ID)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
}

func TestDeviceActionApproveReject(t *testing.T) {
	mux, store, _, _, token := buildHandler(t)
	store.SeedDeviceAction(&catalog.DeviceAction{ID: "act-1", TenantID: "tenant-1", DeviceID: "dev-1", Status: "pending"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/device-actions/act-1/approve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.SetPathValue("id", "act-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/device-actions/act-1/reject", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.SetPathValue("id", "act-1")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeviceCommandsRequireAuthentication(t *testing.T) {
	mux, _, _, _, _ := buildHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/commands/claim", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
