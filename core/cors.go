package core

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSMiddleware enforces the browser cross-origin policy for the
// customer and web-portal surfaces. Devices and server-to-server callers
// never send an Origin header and pass through untouched.
//
// Origin patterns understood, in the order they are checked:
//   - "*"                 every origin (incompatible with credentials)
//   - exact               "https://portal.example.com"
//   - subdomain wildcard  "*.example.com"
//   - port wildcard       "http://localhost:*"
func CORSMiddleware(config *CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, config.AllowedOrigins) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				// Caches must not serve one origin's preflight to another.
				h.Add("Vary", "Origin")
				if config.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				if len(config.AllowedMethods) > 0 {
					h.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
				}
				if len(config.AllowedHeaders) > 0 {
					h.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
				}
				if len(config.ExposedHeaders) > 0 {
					h.Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
				}
				if config.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, pattern := range allowed {
		switch {
		case pattern == "*":
			return true
		case pattern == origin:
			return true
		case strings.HasPrefix(pattern, "*."):
			// "*.example.com" matches any scheme on the domain or a
			// subdomain of it, but not "evilexample.com".
			domain := pattern[2:]
			host := origin
			if i := strings.Index(host, "://"); i >= 0 {
				host = host[i+3:]
			}
			if h, _, ok := strings.Cut(host, ":"); ok {
				host = h
			}
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
		case strings.HasSuffix(pattern, ":*"):
			if strings.HasPrefix(origin, pattern[:len(pattern)-1]) {
				return true
			}
		}
	}
	return false
}
