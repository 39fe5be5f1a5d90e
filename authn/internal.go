package authn

import (
	"crypto/subtle"
	"net/http"
)

// InternalToken gates the operational endpoints with a shared-secret header.
// The token is accepted from X-Internal-Token only, never from a query
// parameter. An empty configured token denies everything, so an unconfigured
// deployment cannot expose the endpoints by accident.
func InternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				deny(w, http.StatusForbidden, "FORBIDDEN", "internal endpoints are not configured")
				return
			}
			got := r.Header.Get("X-Internal-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				deny(w, http.StatusForbidden, "FORBIDDEN", "invalid internal token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
