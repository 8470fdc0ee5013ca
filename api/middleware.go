package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/gatehouse/auth"
)

type contextKey int

const validationKey contextKey = iota

const sessionCookieName = "gatehouse_session"

// SessionContext resolves the session cookie once per request and stores
// the resulting auth.RequestContext on the request context. Requests
// without a valid session proceed as anonymous; the gates decide.
func (a *API) SessionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &auth.RequestContext{
			ClientIP:  a.extractClientIP(r),
			UserAgent: r.UserAgent(),
		}
		res := auth.Result{Outcome: auth.Unauthorized}
		if id := sessionID(r); id != "" {
			res = a.manager.Validate(r.Context(), id)
			rc.Session = res.Session
			if res.OK() {
				rc.User = res.User
			}
		}
		ctx := auth.WithRequestContext(r.Context(), rc)
		ctx = context.WithValue(ctx, validationKey, res.Outcome)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validationOutcome(ctx context.Context) auth.Outcome {
	o, ok := ctx.Value(validationKey).(auth.Outcome)
	if !ok {
		return auth.Unauthorized
	}
	return o
}

// RequireAuthenticated rejects requests without a valid user session.
// Browsers are redirected to the login page with the original location as
// next; API callers get a 401 carrying the same redirect.
func (a *API) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := auth.FromContext(r.Context())
		authenticated := rc.Authenticated()
		if authenticated {
			// A logout racing this request wins: the session is not revived.
			err := a.manager.Touch(r.Context(), rc.Session.ID)
			switch {
			case errors.Is(err, auth.ErrSessionNotFound):
				authenticated = false
			case err != nil:
				a.logger.Warn("session touch failed", slog.String("error", err.Error()))
			}
		}
		if authenticated {
			next.ServeHTTP(w, r)
			return
		}
		if validationOutcome(r.Context()) == auth.StoreUnavailable {
			a.audit.logFailure(AuditStoreUnavailable, r, "", "session validation failed")
			writeError(w, http.StatusServiceUnavailable, msgUnavailable)
			return
		}
		target := a.loginRedirect(r)
		if wantsJSON(r) {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: msgUnauthorized, Redirect: target})
			return
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
	})
}

// RequireRole applies RequireAuthenticated and then rejects users holding
// none of roles.
func (a *API) RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.RequireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := auth.CurrentUser(r.Context())
			if !user.HasRole(roles...) {
				a.audit.logFailure(AuditAccessDenied, r, user.Username, "insufficient role",
					slog.String("role", string(user.Role)))
				writeError(w, http.StatusForbidden, msgForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// RequireGuest keeps authenticated users away from the login and
// registration routes.
func (a *API) RequireGuest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.FromContext(r.Context()).Authenticated() {
			next.ServeHTTP(w, r)
			return
		}
		home := a.path("/")
		if wantsJSON(r) {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: "already authenticated", Redirect: home})
			return
		}
		http.Redirect(w, r, home, http.StatusSeeOther)
	})
}

// loginRedirect returns the login location carrying the current request
// as next.
func (a *API) loginRedirect(r *http.Request) string {
	original := r.URL.Path
	if r.URL.RawQuery != "" {
		original += "?" + r.URL.RawQuery
	}
	return a.path("/login") + "?next=" + url.QueryEscape(original)
}

// safeNext returns next when it is a local absolute path, otherwise the
// application root.
func (a *API) safeNext(next string) string {
	if isLocalPath(next) {
		return next
	}
	return a.path("/")
}

func isLocalPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	if strings.ContainsAny(p, "\r\n") {
		return false
	}
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}

func sessionID(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (a *API) cookiePath() string {
	if a.basePath == "" {
		return "/"
	}
	return a.basePath
}

// writeSessionCookie sets the session cookie. It carries no Expires so the
// browser drops it when closed; the server enforces idle and absolute
// expiry.
func (a *API) writeSessionCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     a.cookiePath(),
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     a.cookiePath(),
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
