// Package auth implements credential verification and session security:
// the login flow with brute-force lockout, password hash migration, the
// session lifecycle, CSRF tokens, and the credential/session storage
// contracts that the backends in storage/ satisfy.
package auth

import (
	"fmt"
	"time"
)

// Role is the coarse authorization level of a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// ParseRole converts a raw string to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Status controls whether a user may authenticate at all.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// ParseStatus converts a raw string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// UserRecord is the stored identity of a user. Only a CredentialStore
// mutates these fields.
type UserRecord struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	PasswordHash   string     `json:"password_hash"`
	Email          string     `json:"email,omitempty"`
	Role           Role       `json:"role"`
	Status         Status     `json:"status"`
	FailedAttempts int        `json:"failed_attempts"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Active reports whether the user may authenticate.
func (u *UserRecord) Active() bool {
	return u != nil && u.Status == StatusActive
}

// HasRole reports whether the user's role is one of roles.
func (u *UserRecord) HasRole(roles ...Role) bool {
	if u == nil {
		return false
	}
	for _, r := range roles {
		if u.Role == r {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of u.
func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastFailureAt != nil {
		t := *u.LastFailureAt
		c.LastFailureAt = &t
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}
