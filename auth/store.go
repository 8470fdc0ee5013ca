package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned by Create when the username is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
)

// CredentialStore persists user records. Every implementation must produce
// the same externally observable behaviour; the conformance suite in
// storage/storetest checks this.
//
// Any error other than ErrUserNotFound or ErrUserExists is treated by the
// login flow as an infrastructure failure.
type CredentialStore interface {
	FindByUsername(ctx context.Context, username string) (*UserRecord, error)
	FindByID(ctx context.Context, id string) (*UserRecord, error)
	List(ctx context.Context) ([]*UserRecord, error)
	// Create stores a new user. ID and CreatedAt must already be set.
	Create(ctx context.Context, user *UserRecord) error

	// RecordFailure increments the failure counter and stamps the failure time.
	RecordFailure(ctx context.Context, id string, at time.Time) error
	ResetFailures(ctx context.Context, id string) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdateRole(ctx context.Context, id string, role Role) error
}

// SessionStore persists session records.
type SessionStore interface {
	// Get returns ErrSessionNotFound when the id is unknown.
	Get(ctx context.Context, id string) (*SessionRecord, error)
	Put(ctx context.Context, session *SessionRecord) error
	// Touch sets the last activity time of an existing session. It returns
	// ErrSessionNotFound, and stores nothing, when the id is unknown, so a
	// session deleted concurrently is never written back.
	Touch(ctx context.Context, id string, at time.Time) error
	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
	// DeleteByUser removes every session of userID except exceptID.
	DeleteByUser(ctx context.Context, userID, exceptID string) error
	// DeleteInactive removes sessions whose last activity is before cutoff
	// and returns how many were removed.
	DeleteInactive(ctx context.Context, cutoff time.Time) (int, error)
}
