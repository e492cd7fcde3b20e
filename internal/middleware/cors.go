// Package middleware provides HTTP middleware for the Taskflow API.
package middleware

import "net/http"

// CORS returns middleware that answers cross-origin requests for the listed
// origins. Credentials are only allowed for an exact origin match, never for
// a wildcard: echoing an arbitrary origin with Allow-Credentials set would
// let any site ride the anonymous identity cookie.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	exact := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		} else {
			exact[o] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && (wildcard || exact[origin]) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				h.Set("Access-Control-Max-Age", "300")
				if exact[origin] {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
