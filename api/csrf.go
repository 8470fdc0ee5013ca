package api

import (
	"net/http"

	"github.com/jmcleod/gatehouse/auth"
)

const (
	csrfHeaderName = "X-CSRF-Token"
	csrfFormField  = "csrf_token"
)

// CSRFMiddleware requires mutating requests to present the token bound to
// the caller's session, either in the X-CSRF-Token header or in the
// csrf_token form field. Safe methods are exempt. A request without a
// session is rejected.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return a.csrfGuard(next, false)
}

// LoginCSRFMiddleware behaves like CSRFMiddleware but lets a request with
// no session through, so that a client can log in before it ever fetched
// a token. Once a session exists the token is enforced.
func (a *API) LoginCSRFMiddleware(next http.Handler) http.Handler {
	return a.csrfGuard(next, true)
}

func (a *API) csrfGuard(next http.Handler, allowSessionless bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		rc := auth.FromContext(r.Context())
		if rc == nil || rc.Session == nil {
			if allowSessionless {
				next.ServeHTTP(w, r)
				return
			}
			a.rejectCSRF(w, r, rc, "no session")
			return
		}

		token := r.Header.Get(csrfHeaderName)
		if token == "" && !isJSONContent(r) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
			token = r.PostFormValue(csrfFormField)
		}
		if !a.manager.CSRF().Validate(r.Context(), rc.Session.ID, token) {
			reason := "token mismatch"
			if token == "" {
				reason = "token missing"
			}
			a.rejectCSRF(w, r, rc, reason)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) rejectCSRF(w http.ResponseWriter, r *http.Request, rc *auth.RequestContext, reason string) {
	username := ""
	if rc.Authenticated() {
		username = rc.User.Username
	}
	a.audit.logFailure(AuditCSRFRejected, r, username, reason)
	writeError(w, http.StatusForbidden, msgInvalidToken)
}
