package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/jmcleod/gatehouse/internal/util"
)

// csrfTokenBytes is the entropy of a CSRF token.
const csrfTokenBytes = 32

// CSRFGuard issues and validates the per-session CSRF token.
type CSRFGuard struct {
	sessions SessionStore
}

// NewCSRFGuard creates a guard over the given session store.
func NewCSRFGuard(sessions SessionStore) *CSRFGuard {
	return &CSRFGuard{sessions: sessions}
}

// Issue returns the CSRF token bound to sessionID, generating and storing
// one if the session does not have a token yet.
func (g *CSRFGuard) Issue(ctx context.Context, sessionID string) (string, error) {
	session, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.CSRFToken != "" {
		return session.CSRFToken, nil
	}
	token, err := newCSRFToken()
	if err != nil {
		return "", err
	}
	session.CSRFToken = token
	if err := g.sessions.Put(ctx, session); err != nil {
		return "", fmt.Errorf("storing csrf token: %w", err)
	}
	return token, nil
}

// Validate reports whether submitted matches the token bound to sessionID.
// The comparison is constant time. A missing session or empty token never
// validates.
func (g *CSRFGuard) Validate(ctx context.Context, sessionID, submitted string) bool {
	if sessionID == "" || submitted == "" {
		return false
	}
	session, err := g.sessions.Get(ctx, sessionID)
	if err != nil || session.CSRFToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(submitted)) == 1
}

func newCSRFToken() (string, error) {
	return util.RandomToken(csrfTokenBytes)
}
