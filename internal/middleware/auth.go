package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const DeviceContextKey contextKey = "device"

// GetDeviceFromContext retrieves the authenticated device id from request
// context, or empty if the request carried no device header.
func GetDeviceFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(DeviceContextKey).(string); ok {
		return id
	}
	return ""
}

// APIKeyAuth creates middleware for shared API key authentication. The health
// endpoint stays open so devices can probe connectivity before they have
// credentials wired up.
func APIKeyAuth(apiKey, headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/health" || path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			// Only authenticate API routes
			if !strings.HasPrefix(path, "/api") {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get(headerName)
			if providedKey == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "API key is required."})
				return
			}

			// Constant-time comparison to prevent timing attacks
			if !constantTimeEquals(apiKey, providedKey) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "Invalid API key."})
				return
			}

			// Devices self-identify; the id rides along for audit attribution
			if deviceID := r.Header.Get("X-Device-ID"); deviceID != "" {
				r = r.WithContext(context.WithValue(r.Context(), DeviceContextKey, deviceID))
			}

			next.ServeHTTP(w, r)
		})
	}
}

func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
