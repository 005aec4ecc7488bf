/**
 * @description
 * This file contains custom middleware for the HTTP router. The settlement
 * service sits behind the platform's API gateway, so internal endpoints are
 * guarded by a shared service key rather than end-user authentication. The
 * callback endpoints stay open: gateways cannot present our key, and callback
 * authenticity is established by correlation against the ledger.
 *
 * @dependencies
 * - crypto/subtle, net/http: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"log"
	"net/http"
)

const internalKeyHeader = "X-Internal-Api-Key"

// InternalKeyMiddleware creates a middleware that validates the shared
// service-to-service key. Comparison is constant time.
func InternalKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				log.Printf("level=error component=api msg=\"internal api key not configured; refusing request\" path=%s", r.URL.Path)
				http.Error(w, "Service misconfigured", http.StatusInternalServerError)
				return
			}

			presented := r.Header.Get(internalKeyHeader)
			if presented == "" {
				http.Error(w, "Internal API key required", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				http.Error(w, "Invalid internal API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
