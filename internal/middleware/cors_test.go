package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func corsRequest(method, origin string, preflight bool) *http.Request {
	req := httptest.NewRequest(method, "/procesar", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	return req
}

func TestCORSMiddleware_DisabledPassesThrough(t *testing.T) {
	rr := httptest.NewRecorder()
	CORSMiddleware(CORSConfig{})(okHandler()).ServeHTTP(rr, corsRequest(http.MethodPost, "http://panel.local", false))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_SimpleRequests(t *testing.T) {
	cfg := CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"http://localhost:3000", "https://*.camaras.example"},
		ExposeHeaders:  []string{"X-Request-ID"},
	}
	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{"exact origin", "http://localhost:3000", "http://localhost:3000"},
		{"wildcard subdomain", "https://panel.camaras.example", "https://panel.camaras.example"},
		{"bare wildcard domain", "https://camaras.example", ""},
		{"wrong scheme", "http://panel.camaras.example", ""},
		{"unknown origin", "http://malicious.example", ""},
		{"no origin header", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			CORSMiddleware(cfg)(okHandler()).ServeHTTP(rr, corsRequest(http.MethodPost, tt.origin, false))

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, tt.wantOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantOrigin != "" {
				assert.Equal(t, "Origin", rr.Header().Get("Vary"))
				assert.Equal(t, "X-Request-ID", rr.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func TestCORSMiddleware_PreflightUsesDefaults(t *testing.T) {
	handler := CORSMiddleware(CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"http://localhost:3000"},
		MaxAge:         600,
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight must not reach the gateway")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, corsRequest(http.MethodOptions, "http://localhost:3000", true))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "GET, POST, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", rr.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "600", rr.Header().Get("Access-Control-Max-Age"))
}

func TestCORSMiddleware_PreflightFromUnknownOriginIsRefused(t *testing.T) {
	handler := CORSMiddleware(CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"http://localhost:3000"},
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("refused preflight must not reach the gateway")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, corsRequest(http.MethodOptions, "http://malicious.example", true))

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_PlainOptionsReachesHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	CORSMiddleware(CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}})(okHandler()).
		ServeHTTP(rr, corsRequest(http.MethodOptions, "http://localhost:3000", false))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_CredentialsEchoOrigin(t *testing.T) {
	rr := httptest.NewRecorder()
	CORSMiddleware(CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
	})(okHandler()).ServeHTTP(rr, corsRequest(http.MethodPost, "http://localhost:3000", false))

	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", rr.Header().Get("Vary"))
}
