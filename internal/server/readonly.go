package server

import "net/http"

// ReadOnlyMiddleware rejects requests that would change connection state,
// for monitoring-only deployments. Only GET, HEAD, and OPTIONS pass.
func ReadOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			MethodNotAllowed(w, "server is read-only", r.URL.Path)
		}
	})
}
