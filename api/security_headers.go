package api

import (
	"net/http"
	"strings"
)

// pagePolicy covers the server-rendered login and registration forms: one
// external stylesheet, no scripts, forms that only post back to us.
const pagePolicy = "default-src 'none'; style-src 'self'; img-src 'self' data:; " +
	"form-action 'self'; frame-ancestors 'none'; base-uri 'none'"

// docsPolicy lets the Swagger UI and Redoc pages load their bundles and
// run their bootstrap script.
const docsPolicy = "default-src 'self'; " +
	"script-src 'self' 'unsafe-inline' https://unpkg.com https://cdn.jsdelivr.net; " +
	"style-src 'self' 'unsafe-inline' https://unpkg.com https://cdn.jsdelivr.net https://fonts.googleapis.com; " +
	"font-src 'self' https://fonts.gstatic.com; img-src 'self' data: https:; worker-src 'self' blob:; " +
	"frame-ancestors 'none'; base-uri 'none'"

// SecurityHeaders sets the security response headers. Mount it ahead of
// the router so redirects and errors carry them too.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "same-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		if isDocsPath(r.URL.Path) {
			h.Set("Content-Security-Policy", docsPolicy)
		} else {
			h.Set("Content-Security-Policy", pagePolicy)
		}
		if requestIsSecure(r) {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func isDocsPath(p string) bool {
	p = strings.TrimRight(p, "/")
	return strings.HasSuffix(p, "/docs") || strings.HasSuffix(p, "/redoc")
}
