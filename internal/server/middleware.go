package server

import "net/http"

// securityHeaders masks the identifying response headers. The API runs on a
// local port, but other processes on the box still see it.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Del("X-Powered-By")
		h.Set("Server", "muxfleet")
		next.ServeHTTP(w, r)
	})
}
