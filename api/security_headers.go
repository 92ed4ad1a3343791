package api

import (
	"net/http"
	"strings"
)

// jsonPolicy locks down responses that are only ever JSON.
const jsonPolicy = "default-src 'none'; frame-ancestors 'none'"

// docsPolicy lets the Swagger UI and Redoc pages pull their bundles.
const docsPolicy = "default-src 'self'; " +
	"script-src 'self' 'unsafe-inline' https://unpkg.com https://cdn.jsdelivr.net; " +
	"style-src 'self' 'unsafe-inline' https://unpkg.com https://fonts.googleapis.com; " +
	"font-src https://fonts.gstatic.com; img-src 'self' data: https:; worker-src blob:; " +
	"frame-ancestors 'none'"

var fixedHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
	{"Referrer-Policy", "no-referrer"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
}

func isDocsPath(p string) bool {
	return strings.HasPrefix(p, BasePath+"/docs") || strings.HasPrefix(p, BasePath+"/redoc")
}

// SecurityHeaders hardens every response. Session cookies and XSRF tokens
// travel in these responses, so nothing is cacheable.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range fixedHeaders {
			h.Set(kv[0], kv[1])
		}
		if isDocsPath(r.URL.Path) {
			h.Set("Content-Security-Policy", docsPolicy)
		} else {
			h.Set("Content-Security-Policy", jsonPolicy)
		}
		if requestIsSecure(r) {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
