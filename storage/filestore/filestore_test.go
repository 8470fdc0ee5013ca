package filestore_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/storage/filestore"
	"github.com/jmcleod/gatehouse/storage/storetest"
)

func newStore(t *testing.T) *filestore.Store {
	t.Helper()
	s, err := filestore.New(filepath.Join(t.TempDir(), "data", "users.json"))
	require.NoError(t, err)
	return s
}

func TestFileStoreConformance(t *testing.T) {
	storetest.CredentialStoreSuite(t, func(t *testing.T) auth.CredentialStore {
		return newStore(t)
	})
}

func TestNewRequiresPath(t *testing.T) {
	_, err := filestore.New("")
	assert.Error(t, err)
}

func TestMissingFileReadsEmpty(t *testing.T) {
	s := newStore(t)
	users, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "reads must not create the file")
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Create(ctx, storetest.NewUser("u1", "alice")))
	require.NoError(t, s.RecordFailure(ctx, "u1", time.Now()))

	reopened, err := filestore.New(s.Path())
	require.NoError(t, err)
	u, err := reopened.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, u.FailedAttempts)
}

func TestFileIsPrivateAndComplete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Create(ctx, storetest.NewUser("u1", "alice")))
	require.NoError(t, s.Create(ctx, storetest.NewUser("u2", "bob")))

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var doc struct {
		Users map[string]json.RawMessage `json:"users"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Len(t, doc.Users, 2)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestCorruptFileIsAnError(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))
	_, err := s.FindByUsername(context.Background(), "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrUserNotFound)
}

func TestHandWrittenLegacyEntry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	doc := `{
  "users": {
    "u1": {"username": "carol", "password_hash": "old-plain-secret"}
  }
}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(doc), 0o600))

	v, err := auth.NewPasswordVerifier(auth.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	m, err := auth.NewManager(s, auth.NewMemorySessionStore(), auth.WithVerifier(v))
	require.NoError(t, err)

	res := m.Login(ctx, "", "carol", "wrong-secret")
	require.Equal(t, auth.InvalidCredentials, res.Outcome, "failure is counted, not a store error")
	u, err := s.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.FailedAttempts)

	res = m.Login(ctx, "", "carol", "old-plain-secret")
	require.Equal(t, auth.OK, res.Outcome)
	u, err = s.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, auth.HashBcrypt, auth.DetectHashAlgorithm(u.PasswordHash), "legacy secret rehashed in place")
	assert.Equal(t, 0, u.FailedAttempts)
}

func TestMismatchedEntryIDIsAnError(t *testing.T) {
	s := newStore(t)
	doc := `{"users":{"u1":{"id":"u9","username":"carol","password_hash":"x"}}}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(doc), 0o600))
	_, err := s.FindByUsername(context.Background(), "carol")
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrUserNotFound)
}
