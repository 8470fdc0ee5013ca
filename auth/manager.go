package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/internal/uuid"
)

const (
	// DefaultIdleTimeout is the inactivity lifetime of a session.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultMaxLifetime caps a session regardless of activity.
	DefaultMaxLifetime = 24 * time.Hour

	sessionIDBytes = 32
)

var (
	// ErrAccountInactive is the server-side reason for rejecting an
	// inactive user. Clients only ever see InvalidCredentials.
	ErrAccountInactive = errors.New("account inactive")
	// ErrPasswordMismatch is the server-side reason for a wrong password.
	ErrPasswordMismatch = errors.New("password mismatch")
	// ErrInvalidUsername is returned when registering a malformed username.
	ErrInvalidUsername = errors.New("invalid username")
)

// Manager owns the login flow and the session lifecycle:
// Anonymous -> Authenticated -> (Expired | LoggedOut) -> Anonymous.
type Manager struct {
	users       CredentialStore
	sessions    SessionStore
	verifier    *PasswordVerifier
	csrf        *CSRFGuard
	idleTimeout time.Duration
	maxLifetime time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIdleTimeout sets the inactivity lifetime of a session.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithMaxLifetime caps the total lifetime of a session. Zero disables the cap.
func WithMaxLifetime(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maxLifetime = d
	}
}

// WithVerifier sets the password verifier.
func WithVerifier(v *PasswordVerifier) ManagerOption {
	return func(m *Manager) {
		m.verifier = v
	}
}

// WithLogger sets the logger for operational messages.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager over the given stores.
func NewManager(users CredentialStore, sessions SessionStore, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		users:       users,
		sessions:    sessions,
		idleTimeout: DefaultIdleTimeout,
		maxLifetime: DefaultMaxLifetime,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.verifier == nil {
		v, err := NewPasswordVerifier()
		if err != nil {
			return nil, err
		}
		m.verifier = v
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	m.logger = m.logger.With("component", "auth")
	m.csrf = NewCSRFGuard(sessions)
	return m, nil
}

// CSRF returns the guard bound to this manager's session store.
func (m *Manager) CSRF() *CSRFGuard {
	return m.csrf
}

// Users returns the credential store.
func (m *Manager) Users() CredentialStore {
	return m.users
}

// Login verifies username and password and, on success, establishes a new
// session. priorSessionID is whatever session the client presented; it is
// discarded so that a pre-login identifier is never promoted.
func (m *Manager) Login(ctx context.Context, priorSessionID, username, password string) Result {
	user, err := m.users.FindByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		m.verifier.DummyVerify(password)
		return Result{Outcome: InvalidCredentials, Err: ErrUserNotFound}
	}
	if err != nil {
		return unavailable(fmt.Errorf("looking up user: %w", err))
	}
	if !user.Active() {
		// Lockout state is deliberately not consulted here.
		m.verifier.DummyVerify(password)
		return Result{Outcome: InvalidCredentials, Err: ErrAccountInactive}
	}

	now := m.now()
	if d := EvaluateLockout(user.FailedAttempts, user.LastFailureAt, now); d.Locked {
		return Result{Outcome: Locked, RemainingSeconds: d.RemainingSeconds, User: user}
	}

	v := m.verifier.Verify(password, user.PasswordHash)
	if !v.Matched {
		if err := m.users.RecordFailure(ctx, user.ID, now); err != nil {
			return unavailable(fmt.Errorf("recording failure: %w", err))
		}
		return Result{Outcome: InvalidCredentials, User: user, Err: ErrPasswordMismatch}
	}

	if v.NeedsRehash {
		if err := m.rehash(ctx, user, password); err != nil {
			return unavailable(err)
		}
	}
	if err := m.users.ResetFailures(ctx, user.ID); err != nil {
		return unavailable(fmt.Errorf("resetting failures: %w", err))
	}
	if err := m.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return unavailable(fmt.Errorf("updating last login: %w", err))
	}
	user.FailedAttempts = 0
	user.LastLoginAt = &now

	session, err := m.establish(ctx, priorSessionID, user.ID)
	if err != nil {
		return unavailable(err)
	}
	return Result{Outcome: OK, User: user, Session: session}
}

func (m *Manager) rehash(ctx context.Context, user *UserRecord, password string) error {
	from := DetectHashAlgorithm(user.PasswordHash)
	hash, err := m.verifier.Hash(password)
	if err != nil {
		return fmt.Errorf("rehashing password: %w", err)
	}
	if err := m.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("persisting rehashed password: %w", err)
	}
	user.PasswordHash = hash
	m.logger.Info("password hash migrated",
		slog.String("user_id", user.ID),
		slog.String("from", string(from)),
		slog.String("to", string(m.verifier.Algorithm())))
	return nil
}

// establish discards priorSessionID and stores a fresh session for userID.
func (m *Manager) establish(ctx context.Context, priorSessionID, userID string) (*SessionRecord, error) {
	if priorSessionID != "" {
		if err := m.sessions.Delete(ctx, priorSessionID); err != nil {
			return nil, fmt.Errorf("discarding prior session: %w", err)
		}
	}
	session, err := m.newSession(userID)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Put(ctx, session); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	return session, nil
}

func (m *Manager) newSession(userID string) (*SessionRecord, error) {
	id, err := util.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, err
	}
	token, err := newCSRFToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	return &SessionRecord{
		ID:             id,
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
		CSRFToken:      token,
	}, nil
}

func (m *Manager) expired(s *SessionRecord) bool {
	now := m.now()
	if m.idleTimeout > 0 && now.Sub(s.LastActivityAt) > m.idleTimeout {
		return true
	}
	return m.maxLifetime > 0 && now.Sub(s.CreatedAt) > m.maxLifetime
}

// lookup returns the live session for id, deleting it if it has expired.
func (m *Manager) lookup(ctx context.Context, id string) (*SessionRecord, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.expired(s) {
		_ = m.sessions.Delete(ctx, id)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Validate checks that sessionID names a live, authenticated session whose
// user is still active. On success the result carries both the session and
// the user. A session whose user was deactivated is destroyed here.
func (m *Manager) Validate(ctx context.Context, sessionID string) Result {
	s, err := m.lookup(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return failed(Unauthorized)
	}
	if err != nil {
		return unavailable(fmt.Errorf("loading session: %w", err))
	}
	if !s.Authenticated() {
		return Result{Outcome: Unauthorized, Session: s}
	}
	user, err := m.users.FindByID(ctx, s.UserID)
	if errors.Is(err, ErrUserNotFound) {
		_ = m.sessions.Delete(ctx, s.ID)
		return failed(Unauthorized)
	}
	if err != nil {
		return unavailable(fmt.Errorf("loading session user: %w", err))
	}
	if !user.Active() {
		_ = m.sessions.Delete(ctx, s.ID)
		return Result{Outcome: Unauthorized, Err: ErrAccountInactive}
	}
	return Result{Outcome: OK, User: user, Session: s}
}

// IsValid reports whether sessionID is a live authenticated session.
func (m *Manager) IsValid(ctx context.Context, sessionID string) bool {
	return m.Validate(ctx, sessionID).OK()
}

// CurrentUser returns the user bound to sessionID, or nil.
func (m *Manager) CurrentUser(ctx context.Context, sessionID string) *UserRecord {
	res := m.Validate(ctx, sessionID)
	if !res.OK() {
		return nil
	}
	return res.User
}

// Touch refreshes the activity timestamp of a session.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	return m.sessions.Touch(ctx, sessionID, m.now())
}

// Logout destroys the session. Logging out an unknown or already
// destroyed session is not an error.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return m.sessions.Delete(ctx, sessionID)
}

// EnsureSession returns the live session named by sessionID, or creates an
// anonymous one when there is none. Guests need a session to receive a
// CSRF token for the login form.
func (m *Manager) EnsureSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	s, err := m.lookup(ctx, sessionID)
	if err == nil {
		if s.CSRFToken == "" {
			if _, err := m.csrf.Issue(ctx, s.ID); err != nil {
				return nil, err
			}
			return m.sessions.Get(ctx, s.ID)
		}
		return s, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return m.establish(ctx, "", "")
}

// Regenerate moves the state of sessionID to a new identifier with a new
// CSRF token and destroys the old identifier.
func (m *Manager) Regenerate(ctx context.Context, sessionID string) (*SessionRecord, error) {
	s, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.establish(ctx, s.ID, s.UserID)
}

// ChangePassword re-verifies the current password of the session's user,
// stores a hash of next, regenerates the session and ends every other
// session of the user. Callers validate next against the password policy.
func (m *Manager) ChangePassword(ctx context.Context, sessionID, current, next string) Result {
	res := m.Validate(ctx, sessionID)
	if !res.OK() {
		return res
	}
	user := res.User
	now := m.now()
	if d := EvaluateLockout(user.FailedAttempts, user.LastFailureAt, now); d.Locked {
		return Result{Outcome: Locked, RemainingSeconds: d.RemainingSeconds, User: user}
	}
	if v := m.verifier.Verify(current, user.PasswordHash); !v.Matched {
		if err := m.users.RecordFailure(ctx, user.ID, now); err != nil {
			return unavailable(fmt.Errorf("recording failure: %w", err))
		}
		return Result{Outcome: InvalidCredentials, User: user, Err: ErrPasswordMismatch}
	}
	hash, err := m.verifier.Hash(next)
	if err != nil {
		return unavailable(fmt.Errorf("hashing password: %w", err))
	}
	if err := m.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return unavailable(fmt.Errorf("updating password: %w", err))
	}
	if err := m.users.ResetFailures(ctx, user.ID); err != nil {
		return unavailable(fmt.Errorf("resetting failures: %w", err))
	}
	session, err := m.establish(ctx, sessionID, user.ID)
	if err != nil {
		return unavailable(err)
	}
	if err := m.sessions.DeleteByUser(ctx, user.ID, session.ID); err != nil {
		return unavailable(fmt.Errorf("ending other sessions: %w", err))
	}
	user.PasswordHash = hash
	user.FailedAttempts = 0
	return Result{Outcome: OK, User: user, Session: session}
}

// ValidatePassword checks secret against the password policy of the
// configured hash algorithm.
func (m *Manager) ValidatePassword(secret string) error {
	return m.verifier.Validate(secret)
}

// CreateUser validates the input, hashes the password and stores a new
// active user with the given role.
func (m *Manager) CreateUser(ctx context.Context, username, email, password string, role Role) (*UserRecord, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > 64 || strings.ContainsAny(username, " \t\r\n") {
		return nil, ErrInvalidUsername
	}
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if err := m.verifier.Validate(password); err != nil {
		return nil, err
	}
	hash, err := m.verifier.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	user := &UserRecord{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		Email:        strings.TrimSpace(email),
		Role:         role,
		Status:       StatusActive,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Register creates a regular user account.
func (m *Manager) Register(ctx context.Context, username, email, password string) (*UserRecord, error) {
	return m.CreateUser(ctx, username, email, password, RoleUser)
}

// SetStatus changes a user's status. Deactivation ends the user's sessions
// immediately; Validate would reject them on next use regardless.
func (m *Manager) SetStatus(ctx context.Context, userID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	if err := m.users.UpdateStatus(ctx, userID, status); err != nil {
		return err
	}
	if status == StatusInactive {
		return m.sessions.DeleteByUser(ctx, userID, "")
	}
	return nil
}

// SetRole changes a user's role and ends the user's sessions so that the
// new privilege level is only ever held by a freshly issued session.
func (m *Manager) SetRole(ctx context.Context, userID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if err := m.users.UpdateRole(ctx, userID, role); err != nil {
		return err
	}
	return m.sessions.DeleteByUser(ctx, userID, "")
}

// Sweep removes sessions that have been idle longer than the idle timeout.
// Expiry is enforced lazily on access; this only reclaims storage.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if m.idleTimeout <= 0 {
		return 0, nil
	}
	return m.sessions.DeleteInactive(ctx, m.now().Add(-m.idleTimeout))
}
