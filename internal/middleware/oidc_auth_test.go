package middleware

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOIDCHTTPClient(t *testing.T) {
	tlsServer := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer tlsServer.Close()
	dir := t.TempDir()

	t.Run("trusts provided CA", func(t *testing.T) {
		caPath := filepath.Join(dir, "root_ca.crt")
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: tlsServer.Certificate().Raw})
		require.NoError(t, os.WriteFile(caPath, certPEM, 0o600))

		client, err := newOIDCHTTPClient(OIDCAuthConfig{CAFile: caPath})
		require.NoError(t, err)
		resp, err := client.Get(tlsServer.URL)
		require.NoError(t, err)
		_ = resp.Body.Close()
	})

	t.Run("system roots reject self-signed issuer", func(t *testing.T) {
		client, err := newOIDCHTTPClient(OIDCAuthConfig{})
		require.NoError(t, err)
		_, err = client.Get(tlsServer.URL)
		assert.Error(t, err)
	})

	t.Run("invalid CA file", func(t *testing.T) {
		caPath := filepath.Join(dir, "invalid_ca.crt")
		require.NoError(t, os.WriteFile(caPath, []byte("not a certificate"), 0o600))
		_, err := newOIDCHTTPClient(OIDCAuthConfig{CAFile: caPath})
		assert.Error(t, err)
	})

	t.Run("missing CA file", func(t *testing.T) {
		_, err := newOIDCHTTPClient(OIDCAuthConfig{CAFile: filepath.Join(dir, "absent.crt")})
		assert.Error(t, err)
	})
}

func TestAuthContext_Principal(t *testing.T) {
	tests := []struct {
		name string
		auth AuthContext
		want string
	}{
		{"preferred username", AuthContext{Subject: "s1", Claims: map[string]interface{}{"preferred_username": "operador", "email": "o@x"}}, "operador"},
		{"email", AuthContext{Subject: "s1", Claims: map[string]interface{}{"email": "o@x"}}, "o@x"},
		{"empty claims fall back", AuthContext{Subject: "s1", Claims: map[string]interface{}{"preferred_username": ""}}, "s1"},
		{"no claims", AuthContext{Subject: "s1"}, "s1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.auth.Principal())
		})
	}
}

func TestWriteUnauthorized(t *testing.T) {
	rr := httptest.NewRecorder()
	writeUnauthorized(rr, `bad "token"`)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))
	assert.JSONEq(t, `{"success":false,"message":"bad \"token\""}`, rr.Body.String())
}
