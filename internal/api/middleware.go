/**
 * @description
 * This file contains HTTP middleware for the payment-service API.
 *
 * The reconciliation endpoints are operator-facing and are protected by a
 * shared internal API key rather than end-user authentication. The key is
 * compared in constant time and is never echoed back to the caller.
 */

package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

const internalAPIKeyHeader = "X-Internal-Api-Key"

// InternalAPIKeyMiddleware guards internal routes with a shared key. When no
// key is configured the routes are disabled outright rather than left open.
func InternalAPIKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				writeMiddlewareError(w, http.StatusServiceUnavailable, "Internal API is not configured")
				return
			}
			provided := r.Header.Get(internalAPIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				writeMiddlewareError(w, http.StatusUnauthorized, "Invalid internal API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
