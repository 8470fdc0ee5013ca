package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m        *auth.Manager
	users    *memory.Store
	sessions *auth.MemorySessionStore
	clock    *fakeClock
	verifier *auth.PasswordVerifier
}

func newHarness(t *testing.T, opts ...auth.ManagerOption) *harness {
	t.Helper()
	h := &harness{
		users:    memory.NewStore(),
		sessions: auth.NewMemorySessionStore(),
		clock:    &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	v, err := auth.NewPasswordVerifier(
		auth.WithBcryptCost(bcrypt.MinCost),
		auth.WithArgon2idParams(util.Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32, SaltLen: 16}),
	)
	require.NoError(t, err)
	h.verifier = v
	opts = append([]auth.ManagerOption{auth.WithClock(h.clock.Now), auth.WithVerifier(v)}, opts...)
	h.m, err = auth.NewManager(h.users, h.sessions, opts...)
	require.NoError(t, err)
	return h
}

func (h *harness) addUser(t *testing.T, username, password string, role auth.Role) *auth.UserRecord {
	t.Helper()
	u, err := h.m.CreateUser(context.Background(), username, username+"@example.com", password, role)
	require.NoError(t, err)
	return u
}

func (h *harness) user(t *testing.T, id string) *auth.UserRecord {
	t.Helper()
	u, err := h.users.FindByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func TestLoginSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addUser(t, "alice", "correct-horse", auth.RoleUser)

	res := h.m.Login(ctx, "", "alice", "correct-horse")
	require.Equal(t, auth.OK, res.Outcome)
	require.NotNil(t, res.Session)
	assert.NotEmpty(t, res.Session.ID)
	assert.NotEmpty(t, res.Session.CSRFToken)
	assert.Equal(t, alice.ID, res.Session.UserID)
	assert.Equal(t, alice.ID, res.User.ID)
	assert.True(t, h.m.IsValid(ctx, res.Session.ID))

	stored := h.user(t, alice.ID)
	require.NotNil(t, stored.LastLoginAt)
	assert.True(t, stored.LastLoginAt.Equal(h.clock.Now()))
}

func TestLoginReplacesPriorSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser(t, "alice", "correct-horse", auth.RoleUser)

	anon, err := h.m.EnsureSession(ctx, "")
	require.NoError(t, err)
	assert.False(t, anon.Authenticated())
	assert.NotEmpty(t, anon.CSRFToken)

	res := h.m.Login(ctx, anon.ID, "alice", "correct-horse")
	require.True(t, res.OK())
	assert.NotEqual(t, anon.ID, res.Session.ID)
	assert.NotEqual(t, anon.CSRFToken, res.Session.CSRFToken)

	_, err = h.sessions.Get(ctx, anon.ID)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)
}

func TestLoginSessionIdentifiersAreUnique(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser(t, "alice", "correct-horse", auth.RoleUser)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		res := h.m.Login(ctx, "", "alice", "correct-horse")
		require.True(t, res.OK())
		assert.False(t, seen[res.Session.ID])
		seen[res.Session.ID] = true
	}
}

func TestLoginWrongPasswordRecordsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addUser(t, "alice", "correct-horse", auth.RoleUser)

	res := h.m.Login(ctx, "", "alice", "wrong-horse")
	assert.Equal(t, auth.InvalidCredentials, res.Outcome)
	assert.ErrorIs(t, res.Err, auth.ErrPasswordMismatch)
	assert.Nil(t, res.Session)

	stored := h.user(t, alice.ID)
	assert.Equal(t, 1, stored.FailedAttempts)
	require.NotNil(t, stored.LastFailureAt)
	assert.True(t, stored.LastFailureAt.Equal(h.clock.Now()))
}

func TestLoginUnknownUser(t *testing.T) {
	h := newHarness(t)
	res := h.m.Login(context.Background(), "", "nobody", "whatever-pass")
	assert.Equal(t, auth.InvalidCredentials, res.Outcome)
	assert.ErrorIs(t, res.Err, auth.ErrUserNotFound)
	assert.Nil(t, res.User)
}

func TestLoginInactiveUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bob := h.addUser(t, "bob", "bobs-password", auth.RoleUser)
	require.NoError(t, h.m.SetStatus(ctx, bob.ID, auth.StatusInactive))

	res := h.m.Login(ctx, "", "bob", "bobs-password")
	assert.Equal(t, auth.InvalidCredentials, res.Outcome)
	assert.ErrorIs(t, res.Err, auth.ErrAccountInactive)
	assert.Nil(t, res.Session)
	assert.Equal(t, 0, h.user(t, bob.ID).FailedAttempts, "inactive logins are not counted")
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addUser(t, "alice", "correct-horse", auth.RoleUser)

	for i := 0; i < auth.LockoutThreshold; i++ {
		res := h.m.Login(ctx, "", "alice", "wrong-horse")
		require.Equal(t, auth.InvalidCredentials, res.Outcome, "attempt %d", i+1)
	}

	res := h.m.Login(ctx, "", "alice", "correct-horse")
	require.Equal(t, auth.Locked, res.Outcome)
	assert.Equal(t, 1800, res.RemainingSeconds)
	assert.Nil(t, res.Session)

	h.clock.Advance(10 * time.Minute)
	res = h.m.Login(ctx, "", "alice", "correct-horse")
	require.Equal(t, auth.Locked, res.Outcome)
	assert.Equal(t, 1200, res.RemainingSeconds)
	assert.Equal(t, auth.LockoutThreshold, h.user(t, alice.ID).FailedAttempts, "locked attempts are not counted")

	h.clock.Advance(20*time.Minute + time.Second)
	res = h.m.Login(ctx, "", "alice", "correct-horse")
	require.Equal(t, auth.OK, res.Outcome)
	assert.Equal(t, 0, h.user(t, alice.ID).FailedAttempts)
}

func TestFailureAfterWindowRearmsLockout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addUser(t, "alice", "correct-horse", auth.RoleUser)

	for i := 0; i < auth.LockoutThreshold; i++ {
		h.m.Login(ctx, "", "alice", "wrong-horse")
	}
	h.clock.Advance(auth.LockoutWindow + time.Minute)

	res := h.m.Login(ctx, "", "alice", "wrong-horse")
	assert.Equal(t, auth.InvalidCredentials, res.Outcome)
	assert.Equal(t, auth.LockoutThreshold+1, h.user(t, alice.ID).FailedAttempts)

	res = h.m.Login(ctx, "", "alice", "correct-horse")
	assert.Equal(t, auth.Locked, res.Outcome)
}

func TestConcurrentFailuresAreAllCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addUser(t, "alice", "correct-horse", auth.RoleUser)

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.m.Login(ctx, "", "alice", "wrong-horse")
		}()
	}
	wg.Wait()
	assert.Equal(t, n, h.user(t, alice.ID).FailedAttempts)
}

func TestLoginMigratesLegacyPlaintext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.users.Create(ctx, &auth.UserRecord{
		ID: "legacy-1", Username: "carol", PasswordHash: "old-plain-secret",
		Role: auth.RoleUser, Status: auth.StatusActive,
	}))

	res := h.m.Login(ctx, "", "carol", "old-plain-secret")
	require.Equal(t, auth.OK, res.Outcome)

	stored := h.user(t, "legacy-1")
	assert.Equal(t, auth.HashBcrypt, auth.DetectHashAlgorithm(stored.PasswordHash))
	assert.NotContains(t, stored.PasswordHash, "old-plain-secret")

	res = h.m.Login(ctx, "", "carol", "old-plain-secret")
	assert.Equal(t, auth.OK, res.Outcome, "migrated hash still verifies")
}

func TestLoginMigratesNonPreferredHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	argonHash, err := util.EncodeArgon2id("correct-horse",
		util.Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32, SaltLen: 16})
	require.NoError(t, err)
	require.NoError(t, h.users.Create(ctx, &auth.UserRecord{
		ID: "argon-1", Username: "dave", PasswordHash: argonHash,
		Role: auth.RoleUser, Status: auth.StatusActive,
	}))

	require.True(t, h.m.Login(ctx, "", "dave", "correct-horse").OK())
	assert.True(t, strings.HasPrefix(h.user(t, "argon-1").PasswordHash, "$2a$"))
}

func TestLogoutIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	res := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, res.OK())

	require.NoError(t, h.m.Logout(ctx, res.Session.ID))
	assert.False(t, h.m.IsValid(ctx, res.Session.ID))
	require.NoError(t, h.m.Logout(ctx, res.Session.ID))
	require.NoError(t, h.m.Logout(ctx, ""))
	require.NoError(t, h.m.Logout(ctx, "never-issued"))
}

func TestCSRFTokenBoundToSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	a := h.m.Login(ctx, "", "alice", "correct-horse")
	b := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, a.OK())
	require.True(t, b.OK())

	csrf := h.m.CSRF()
	assert.True(t, csrf.Validate(ctx, a.Session.ID, a.Session.CSRFToken))
	assert.False(t, csrf.Validate(ctx, b.Session.ID, a.Session.CSRFToken))
}

func TestIdleExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	res := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, res.OK())
	id := res.Session.ID

	h.clock.Advance(20 * time.Minute)
	require.NoError(t, h.m.Touch(ctx, id))
	h.clock.Advance(20 * time.Minute)
	assert.True(t, h.m.IsValid(ctx, id), "touch extends the idle window")

	h.clock.Advance(auth.DefaultIdleTimeout + time.Second)
	assert.Equal(t, auth.Unauthorized, h.m.Validate(ctx, id).Outcome)
	_, err := h.sessions.Get(ctx, id)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound, "expired sessions are destroyed on access")
}

func TestMaxLifetime(t *testing.T) {
	h := newHarness(t, auth.WithMaxLifetime(time.Hour))
	ctx := context.Background()
	h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	res := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, res.OK())

	for i := 0; i < 4; i++ {
		h.clock.Advance(15 * time.Minute)
		require.NoError(t, h.m.Touch(ctx, res.Session.ID))
	}
	h.clock.Advance(time.Second)
	assert.False(t, h.m.IsValid(ctx, res.Session.ID))
}

// racingSessions runs beforeTouch just ahead of every Touch, standing in for
// a request that deletes the session while another one is refreshing it.
type racingSessions struct {
	*auth.MemorySessionStore
	beforeTouch func()
}

func (s *racingSessions) Touch(ctx context.Context, id string, at time.Time) error {
	if s.beforeTouch != nil {
		s.beforeTouch()
	}
	return s.MemorySessionStore.Touch(ctx, id, at)
}

func TestTouchDoesNotReviveLoggedOutSession(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	v, err := auth.NewPasswordVerifier(auth.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	users := memory.NewStore()
	sessions := &racingSessions{MemorySessionStore: auth.NewMemorySessionStore()}
	m, err := auth.NewManager(users, sessions, auth.WithClock(clock.Now), auth.WithVerifier(v))
	require.NoError(t, err)

	_, err = m.CreateUser(ctx, "alice", "", "correct-horse", auth.RoleUser)
	require.NoError(t, err)
	res := m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, res.OK())
	id := res.Session.ID

	sessions.beforeTouch = func() { require.NoError(t, m.Logout(ctx, id)) }
	err = m.Touch(ctx, id)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)
	assert.False(t, m.IsValid(ctx, id))
}

func TestTouchAfterPasswordChangeKeepsOldIDDead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	res := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, res.OK())
	old := res.Session.ID

	changed := h.m.ChangePassword(ctx, old, "correct-horse", "battery-staple")
	require.True(t, changed.OK())

	assert.ErrorIs(t, h.m.Touch(ctx, old), auth.ErrSessionNotFound)
	assert.False(t, h.m.IsValid(ctx, old))
	assert.True(t, h.m.IsValid(ctx, changed.Session.ID))
}

func TestDeactivatedUserLosesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	res := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, res.OK())

	// Status changed behind the manager's back.
	require.NoError(t, h.users.UpdateStatus(ctx, alice.ID, auth.StatusInactive))

	v := h.m.Validate(ctx, res.Session.ID)
	assert.Equal(t, auth.Unauthorized, v.Outcome)
	assert.Nil(t, h.m.CurrentUser(ctx, res.Session.ID))
	_, err := h.sessions.Get(ctx, res.Session.ID)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)
}

func TestSetStatusEndsSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	res := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, res.OK())

	require.NoError(t, h.m.SetStatus(ctx, alice.ID, auth.StatusInactive))
	_, err := h.sessions.Get(ctx, res.Session.ID)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)

	require.NoError(t, h.m.SetStatus(ctx, alice.ID, auth.StatusActive))
	assert.True(t, h.m.Login(ctx, "", "alice", "correct-horse").OK())
	assert.Error(t, h.m.SetStatus(ctx, alice.ID, "suspended"))
}

func TestSetRoleEndsSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	res := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, res.OK())

	require.NoError(t, h.m.SetRole(ctx, alice.ID, auth.RoleAdmin))
	assert.False(t, h.m.IsValid(ctx, res.Session.ID))
	assert.Equal(t, auth.RoleAdmin, h.user(t, alice.ID).Role)
	assert.ErrorIs(t, h.m.SetRole(ctx, "missing", auth.RoleAdmin), auth.ErrUserNotFound)
}

func TestValidateAnonymousSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	anon, err := h.m.EnsureSession(ctx, "")
	require.NoError(t, err)

	res := h.m.Validate(ctx, anon.ID)
	assert.Equal(t, auth.Unauthorized, res.Outcome)
	require.NotNil(t, res.Session)
	assert.Equal(t, anon.ID, res.Session.ID)

	again, err := h.m.EnsureSession(ctx, anon.ID)
	require.NoError(t, err)
	assert.Equal(t, anon.ID, again.ID)
	assert.Equal(t, anon.CSRFToken, again.CSRFToken)
}

func TestRegenerate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	res := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, res.OK())

	next, err := h.m.Regenerate(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, res.Session.ID, next.ID)
	assert.Equal(t, alice.ID, next.UserID)
	assert.False(t, h.m.IsValid(ctx, res.Session.ID))
	assert.True(t, h.m.IsValid(ctx, next.ID))
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	current := h.m.Login(ctx, "", "alice", "correct-horse")
	other := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, current.OK())
	require.True(t, other.OK())

	res := h.m.ChangePassword(ctx, current.Session.ID, "wrong-horse", "battery-staple")
	assert.Equal(t, auth.InvalidCredentials, res.Outcome)

	res = h.m.ChangePassword(ctx, current.Session.ID, "correct-horse", "battery-staple")
	require.Equal(t, auth.OK, res.Outcome)
	assert.NotEqual(t, current.Session.ID, res.Session.ID)
	assert.True(t, h.m.IsValid(ctx, res.Session.ID))
	assert.False(t, h.m.IsValid(ctx, current.Session.ID))
	assert.False(t, h.m.IsValid(ctx, other.Session.ID), "other sessions are ended")

	assert.Equal(t, auth.InvalidCredentials, h.m.Login(ctx, "", "alice", "correct-horse").Outcome)
	assert.True(t, h.m.Login(ctx, "", "alice", "battery-staple").OK())
}

func TestChangePasswordRequiresSession(t *testing.T) {
	h := newHarness(t)
	res := h.m.ChangePassword(context.Background(), "nope", "a", "b")
	assert.Equal(t, auth.Unauthorized, res.Outcome)
}

func TestCreateUserValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.CreateUser(ctx, "", "", "long-enough", auth.RoleUser)
	assert.ErrorIs(t, err, auth.ErrInvalidUsername)
	_, err = h.m.CreateUser(ctx, "has space", "", "long-enough", auth.RoleUser)
	assert.ErrorIs(t, err, auth.ErrInvalidUsername)
	_, err = h.m.CreateUser(ctx, "erin", "", "short", auth.RoleUser)
	assert.ErrorIs(t, err, auth.ErrPasswordTooShort)
	_, err = h.m.CreateUser(ctx, "erin", "", strings.Repeat("x", 73), auth.RoleUser)
	assert.ErrorIs(t, err, auth.ErrPasswordTooLong, "bcrypt would truncate")
	_, err = h.m.CreateUser(ctx, "erin", "", "long-enough", "root")
	assert.Error(t, err)

	u, err := h.m.Register(ctx, "  erin  ", "erin@example.com", "long-enough")
	require.NoError(t, err)
	assert.Equal(t, "erin", u.Username)
	assert.Equal(t, auth.RoleUser, u.Role)
	assert.Equal(t, auth.StatusActive, u.Status)
	assert.NotEqual(t, "long-enough", u.PasswordHash)

	_, err = h.m.Register(ctx, "erin", "", "long-enough")
	assert.ErrorIs(t, err, auth.ErrUserExists)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser(t, "alice", "correct-horse", auth.RoleUser)
	stale := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, stale.OK())

	h.clock.Advance(auth.DefaultIdleTimeout + time.Minute)
	fresh := h.m.Login(ctx, "", "alice", "correct-horse")
	require.True(t, fresh.OK())

	n, err := h.m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.m.IsValid(ctx, fresh.Session.ID))
}

var errStoreDown = errors.New("store down")

type brokenStore struct {
	*memory.Store
	lookupOK bool
}

func (s *brokenStore) FindByUsername(ctx context.Context, username string) (*auth.UserRecord, error) {
	if !s.lookupOK {
		return nil, errStoreDown
	}
	return s.Store.FindByUsername(ctx, username)
}

func (s *brokenStore) RecordFailure(context.Context, string, time.Time) error {
	return errStoreDown
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	for _, lookupOK := range []bool{false, true} {
		users := &brokenStore{Store: memory.NewStore(), lookupOK: lookupOK}
		m, err := auth.NewManager(users, auth.NewMemorySessionStore())
		require.NoError(t, err)
		require.NoError(t, users.Store.Create(ctx, &auth.UserRecord{
			ID: "u1", Username: "alice", PasswordHash: "plain-secret",
			Role: auth.RoleUser, Status: auth.StatusActive,
		}))

		res := m.Login(ctx, "", "alice", "wrong-secret")
		assert.Equal(t, auth.StoreUnavailable, res.Outcome)
		assert.ErrorIs(t, res.Err, errStoreDown)
		assert.Nil(t, res.Session)
	}
}
