package core

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func corsHandler(cfg *CORSConfig) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return CORSMiddleware(cfg)(inner)
}

func doCORS(h http.Handler, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/v1/customer/sessions", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSDisabledPassesThrough(t *testing.T) {
	h := corsHandler(&CORSConfig{Enabled: false})
	rec := doCORS(h, http.MethodGet, "https://portal.example.com")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAllowedOriginGetsHeaders(t *testing.T) {
	h := corsHandler(&CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"https://portal.example.com"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	})
	rec := doCORS(h, http.MethodGet, "https://portal.example.com")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://portal.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "X-Request-ID", rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, rec.Header().Values("Vary"), "Origin")
}

func TestCORSDisallowedOriginGetsNoHeaders(t *testing.T) {
	h := corsHandler(&CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://portal.example.com"},
	})
	rec := doCORS(h, http.MethodGet, "https://evil.example.net")
	// The request still runs; the browser enforces the missing header.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	h := corsHandler(&CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://portal.example.com"},
		AllowedMethods: []string{"POST"},
	})
	rec := doCORS(h, http.MethodOptions, "https://portal.example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://portal.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowedPatterns(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"https://anything.test", []string{"*"}, true},
		{"https://portal.example.com", []string{"https://portal.example.com"}, true},
		{"https://portal.example.com", []string{"https://other.example.com"}, false},
		{"https://a.example.com", []string{"*.example.com"}, true},
		{"https://example.com", []string{"*.example.com"}, true},
		{"https://a.example.com:8443", []string{"*.example.com"}, true},
		{"https://evilexample.com", []string{"*.example.com"}, false},
		{"http://localhost:3000", []string{"http://localhost:*"}, true},
		{"http://localhost:8081", []string{"http://localhost:*"}, true},
		{"http://localhost.evil.com", []string{"http://localhost:*"}, false},
		{"", []string{"https://portal.example.com"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, originAllowed(tt.origin, tt.allowed),
			"origin %q against %v", tt.origin, tt.allowed)
	}
}
