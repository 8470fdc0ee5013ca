// Package storage holds the pieces shared by the credential and session
// backends: the keyed user collection used by the in-memory and file
// stores, and the sealed envelope format used for sessions at rest.
package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/gatehouse/auth"
)

// Collection is a keyed set of user records. It is the unit the file
// backend reads and rewrites in full on every mutation. Collection is not
// safe for concurrent use; callers hold their own lock.
type Collection struct {
	Users map[string]*auth.UserRecord `json:"users"`
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{Users: make(map[string]*auth.UserRecord)}
}

// Reconcile checks a collection read from outside the process. Entries are
// addressed by their key: an entry without an id takes its key, and an id
// that disagrees with its key is an error. Missing role and status default
// to user and active, so a hand-written entry needs only a username and a
// password hash.
func (c *Collection) Reconcile() error {
	if c.Users == nil {
		c.Users = make(map[string]*auth.UserRecord)
	}
	seen := make(map[string]string, len(c.Users))
	for key, u := range c.Users {
		if u == nil {
			return fmt.Errorf("user entry %q is empty", key)
		}
		switch u.ID {
		case "":
			u.ID = key
		case key:
		default:
			return fmt.Errorf("user entry %q has mismatched id %q", key, u.ID)
		}
		if u.Username == "" {
			return fmt.Errorf("user entry %q has no username", key)
		}
		if other, ok := seen[u.Username]; ok {
			return fmt.Errorf("user entries %q and %q share username %q", other, key, u.Username)
		}
		seen[u.Username] = key
		if u.Role == "" {
			u.Role = auth.RoleUser
		}
		if u.Status == "" {
			u.Status = auth.StatusActive
		}
		if !u.Role.Valid() {
			return fmt.Errorf("user entry %q: unknown role %q", key, u.Role)
		}
		if !u.Status.Valid() {
			return fmt.Errorf("user entry %q: unknown status %q", key, u.Status)
		}
	}
	return nil
}

// FindByUsername returns a copy of the user with the exact username.
func (c *Collection) FindByUsername(username string) (*auth.UserRecord, error) {
	for _, u := range c.Users {
		if u.Username == username {
			return u.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", username, auth.ErrUserNotFound)
}

// FindByID returns a copy of the user with the given id.
func (c *Collection) FindByID(id string) (*auth.UserRecord, error) {
	u, ok := c.Users[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, auth.ErrUserNotFound)
	}
	return u.Clone(), nil
}

// List returns copies of all users ordered by username.
func (c *Collection) List() []*auth.UserRecord {
	out := make([]*auth.UserRecord, 0, len(c.Users))
	for _, u := range c.Users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Insert adds user, enforcing unique ids and usernames.
func (c *Collection) Insert(user *auth.UserRecord) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	if _, ok := c.Users[user.ID]; ok {
		return fmt.Errorf("%s: %w", user.ID, auth.ErrUserExists)
	}
	for _, u := range c.Users {
		if u.Username == user.Username {
			return fmt.Errorf("%s: %w", user.Username, auth.ErrUserExists)
		}
	}
	if c.Users == nil {
		c.Users = make(map[string]*auth.UserRecord)
	}
	c.Users[user.ID] = user.Clone()
	return nil
}

// Update applies fn to the stored record with the given id.
func (c *Collection) Update(id string, fn func(u *auth.UserRecord)) error {
	u, ok := c.Users[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, auth.ErrUserNotFound)
	}
	fn(u)
	return nil
}

// RecordFailure increments the failure counter of id and stamps at.
func (c *Collection) RecordFailure(id string, at time.Time) error {
	return c.Update(id, func(u *auth.UserRecord) {
		u.FailedAttempts++
		t := at
		u.LastFailureAt = &t
	})
}

// ResetFailures zeroes the failure counter. LastFailureAt is left as is.
func (c *Collection) ResetFailures(id string) error {
	return c.Update(id, func(u *auth.UserRecord) {
		u.FailedAttempts = 0
	})
}

func (c *Collection) SetPasswordHash(id, hash string) error {
	return c.Update(id, func(u *auth.UserRecord) {
		u.PasswordHash = hash
	})
}

func (c *Collection) SetLastLogin(id string, at time.Time) error {
	return c.Update(id, func(u *auth.UserRecord) {
		t := at
		u.LastLoginAt = &t
	})
}

func (c *Collection) SetStatus(id string, status auth.Status) error {
	return c.Update(id, func(u *auth.UserRecord) {
		u.Status = status
	})
}

func (c *Collection) SetRole(id string, role auth.Role) error {
	return c.Update(id, func(u *auth.UserRecord) {
		u.Role = role
	})
}
