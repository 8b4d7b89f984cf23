package gateway

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods  = "POST, GET, HEAD, PATCH, PUT, DELETE, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, Content-Length, Content-Range, Upload-Offset, Upload-Length, Upload-Metadata, Tus-Resumable, X-HTTP-Method-Override"
	corsExposeHeaders = "Upload-Offset, Upload-Length, Location, Range, Tus-Resumable, Tus-Version, Tus-Extension, Tus-Max-Size"
)

// CORSMiddleware echoes allow-listed origins and answers preflight requests.
// Requests from other origins get no CORS headers, so browsers block them.
func CORSMiddleware(allowed []string, next http.Handler) http.Handler {
	origins := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		origins[strings.TrimRight(o, "/")] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		ok := origin != "" && (wildcard || origins[origin])
		if ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if ok {
				w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
