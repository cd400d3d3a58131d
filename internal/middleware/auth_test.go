package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthServer(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var seenDevice string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenDevice = GetDeviceFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(APIKeyAuth("secret-key", "X-API-Key")(handler))
	t.Cleanup(server.Close)
	return server, &seenDevice
}

func get(t *testing.T, url string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIKeyAuth(t *testing.T) {
	t.Run("valid key passes", func(t *testing.T) {
		server, _ := newAuthServer(t)
		resp := get(t, server.URL+"/api/sync/status", map[string]string{"X-API-Key": "secret-key"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("missing key is rejected", func(t *testing.T) {
		server, _ := newAuthServer(t)
		resp := get(t, server.URL+"/api/sync/status", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		server, _ := newAuthServer(t)
		resp := get(t, server.URL+"/api/sync/status", map[string]string{"X-API-Key": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health endpoints stay open", func(t *testing.T) {
		server, _ := newAuthServer(t)
		assert.Equal(t, http.StatusOK, get(t, server.URL+"/health", nil).StatusCode)
		assert.Equal(t, http.StatusOK, get(t, server.URL+"/api/health", nil).StatusCode)
	})

	t.Run("non-api routes are not authenticated", func(t *testing.T) {
		server, _ := newAuthServer(t)
		resp := get(t, server.URL+"/ws", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("device id reaches the handler context", func(t *testing.T) {
		server, seenDevice := newAuthServer(t)
		resp := get(t, server.URL+"/api/sync/status", map[string]string{
			"X-API-Key":   "secret-key",
			"X-Device-ID": "device-42",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "device-42", *seenDevice)
	})
}
