// Package storetest holds conformance suites that every credential and
// session backend must pass, so that swapping backends never changes
// observable behaviour.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/auth"
)

// NewUser returns an active user record with a fixed creation time.
func NewUser(id, username string) *auth.UserRecord {
	return &auth.UserRecord{
		ID:           id,
		Username:     username,
		PasswordHash: "$2a$04$placeholderplaceholderplaceholderplaceholderpla",
		Email:        username + "@example.com",
		Role:         auth.RoleUser,
		Status:       auth.StatusActive,
		CreatedAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// CredentialStoreSuite runs the shared contract tests. newStore must return
// an empty store for every call.
func CredentialStoreSuite(t *testing.T, newStore func(t *testing.T) auth.CredentialStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAndFind", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewUser("u1", "alice")))

		byName, err := s.FindByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "u1", byName.ID)
		assert.Equal(t, auth.RoleUser, byName.Role)
		assert.Equal(t, auth.StatusActive, byName.Status)
		assert.Equal(t, 0, byName.FailedAttempts)
		assert.Nil(t, byName.LastFailureAt)
		assert.Nil(t, byName.LastLoginAt)

		byID, err := s.FindByID(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "alice", byID.Username)
		assert.Equal(t, "alice@example.com", byID.Email)
	})

	t.Run("UsernameIsCaseSensitive", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewUser("u1", "alice")))
		_, err := s.FindByUsername(ctx, "Alice")
		assert.ErrorIs(t, err, auth.ErrUserNotFound)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, auth.ErrUserNotFound)
		_, err = s.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, auth.ErrUserNotFound)
		assert.ErrorIs(t, s.RecordFailure(ctx, "missing", time.Now()), auth.ErrUserNotFound)
		assert.ErrorIs(t, s.ResetFailures(ctx, "missing"), auth.ErrUserNotFound)
		assert.ErrorIs(t, s.UpdateRole(ctx, "missing", auth.RoleAdmin), auth.ErrUserNotFound)
	})

	t.Run("DuplicateUsername", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewUser("u1", "alice")))
		err := s.Create(ctx, NewUser("u2", "alice"))
		assert.ErrorIs(t, err, auth.ErrUserExists)
	})

	t.Run("FailureCounting", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewUser("u1", "alice")))

		first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		second := first.Add(time.Minute)
		require.NoError(t, s.RecordFailure(ctx, "u1", first))
		require.NoError(t, s.RecordFailure(ctx, "u1", second))

		u, err := s.FindByID(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, u.FailedAttempts)
		require.NotNil(t, u.LastFailureAt)
		assert.True(t, u.LastFailureAt.Equal(second))

		require.NoError(t, s.ResetFailures(ctx, "u1"))
		u, err = s.FindByID(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 0, u.FailedAttempts)
		require.NotNil(t, u.LastFailureAt, "reset leaves the last failure time untouched")
		assert.True(t, u.LastFailureAt.Equal(second))
	})

	t.Run("Updates", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewUser("u1", "alice")))

		login := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
		require.NoError(t, s.UpdatePasswordHash(ctx, "u1", "new-hash"))
		require.NoError(t, s.UpdateLastLogin(ctx, "u1", login))
		require.NoError(t, s.UpdateStatus(ctx, "u1", auth.StatusInactive))
		require.NoError(t, s.UpdateRole(ctx, "u1", auth.RoleAdmin))

		u, err := s.FindByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "new-hash", u.PasswordHash)
		require.NotNil(t, u.LastLoginAt)
		assert.True(t, u.LastLoginAt.Equal(login))
		assert.Equal(t, auth.StatusInactive, u.Status)
		assert.Equal(t, auth.RoleAdmin, u.Role)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewUser("u1", "alice")))
		u, err := s.FindByID(ctx, "u1")
		require.NoError(t, err)
		u.FailedAttempts = 99
		u.Role = auth.RoleAdmin

		again, err := s.FindByID(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 0, again.FailedAttempts)
		assert.Equal(t, auth.RoleUser, again.Role)
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewUser("u2", "bob")))
		require.NoError(t, s.Create(ctx, NewUser("u1", "alice")))
		users, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "alice", users[0].Username)
		assert.Equal(t, "bob", users[1].Username)
	})

	t.Run("ConcurrentFailuresInOneProcess", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewUser("u1", "alice")))
		const n = 10
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.RecordFailure(ctx, "u1", time.Now())
			}()
		}
		wg.Wait()
		u, err := s.FindByID(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, n, u.FailedAttempts)
	})
}

// SessionStoreSuite runs the shared session store contract tests.
func SessionStoreSuite(t *testing.T, newStore func(t *testing.T) auth.SessionStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	session := func(id, userID string, lastActivity time.Time) *auth.SessionRecord {
		return &auth.SessionRecord{
			ID:             id,
			UserID:         userID,
			CreatedAt:      lastActivity,
			LastActivityAt: lastActivity,
			CSRFToken:      "csrf-" + id,
		}
	}

	t.Run("PutAndGet", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, session("tok-1", "u1", now)))
		got, err := s.Get(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, "csrf-tok-1", got.CSRFToken)
		assert.True(t, got.LastActivityAt.Equal(now))
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "no-such-token")
		assert.ErrorIs(t, err, auth.ErrSessionNotFound)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, session("tok-del", "u1", now)))
		require.NoError(t, s.Delete(ctx, "tok-del"))
		require.NoError(t, s.Delete(ctx, "tok-del"))
		require.NoError(t, s.Delete(ctx, "never-existed"))
		_, err := s.Get(ctx, "tok-del")
		assert.True(t, errors.Is(err, auth.ErrSessionNotFound))
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, session("tok-ow", "u1", now)))
		updated := session("tok-ow", "u1", now.Add(time.Minute))
		require.NoError(t, s.Put(ctx, updated))
		got, err := s.Get(ctx, "tok-ow")
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(now.Add(time.Minute)))
	})

	t.Run("Touch", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, session("tok-touch", "u1", now)))
		later := now.Add(10 * time.Minute)
		require.NoError(t, s.Touch(ctx, "tok-touch", later))

		got, err := s.Get(ctx, "tok-touch")
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(later))
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, "csrf-tok-touch", got.CSRFToken)
		assert.True(t, got.CreatedAt.Equal(now), "touch leaves the creation time alone")
	})

	t.Run("TouchNeverResurrects", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, session("tok-gone", "u1", now)))
		require.NoError(t, s.Delete(ctx, "tok-gone"))

		err := s.Touch(ctx, "tok-gone", now.Add(time.Minute))
		assert.ErrorIs(t, err, auth.ErrSessionNotFound)
		_, err = s.Get(ctx, "tok-gone")
		assert.ErrorIs(t, err, auth.ErrSessionNotFound)

		assert.ErrorIs(t, s.Touch(ctx, "never-existed", now), auth.ErrSessionNotFound)
	})

	t.Run("DeleteByUser", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Put(ctx, session(fmt.Sprintf("a-%d", i), "alice", now)))
		}
		require.NoError(t, s.Put(ctx, session("b-0", "bob", now)))

		require.NoError(t, s.DeleteByUser(ctx, "alice", "a-1"))

		_, err := s.Get(ctx, "a-0")
		assert.ErrorIs(t, err, auth.ErrSessionNotFound)
		_, err = s.Get(ctx, "a-2")
		assert.ErrorIs(t, err, auth.ErrSessionNotFound)
		_, err = s.Get(ctx, "a-1")
		assert.NoError(t, err, "excepted session survives")
		_, err = s.Get(ctx, "b-0")
		assert.NoError(t, err, "other users are untouched")
	})

	t.Run("DeleteInactive", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, session("old", "u1", now.Add(-2*time.Hour))))
		require.NoError(t, s.Put(ctx, session("fresh", "u1", now)))

		n, err := s.DeleteInactive(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "old")
		assert.ErrorIs(t, err, auth.ErrSessionNotFound)
		_, err = s.Get(ctx, "fresh")
		assert.NoError(t, err)
	})
}
