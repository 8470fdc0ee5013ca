package auth

import "context"

// RequestContext carries the identity of the caller for one request. The
// HTTP middleware builds it once and every collaborator that needs the
// current user reads it from the request context.
type RequestContext struct {
	Session   *SessionRecord
	User      *UserRecord
	ClientIP  string
	UserAgent string
}

// Authenticated reports whether the request carries a valid user session.
func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.User != nil && rc.Session.Authenticated()
}

type contextKey int

const requestContextKey contextKey = iota

// WithRequestContext returns a copy of ctx carrying rc.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext returns the RequestContext stored in ctx, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey).(*RequestContext)
	return rc
}

// CurrentUser returns the authenticated user stored in ctx, or nil.
func CurrentUser(ctx context.Context) *UserRecord {
	rc := FromContext(ctx)
	if !rc.Authenticated() {
		return nil
	}
	return rc.User
}
