// Package filestore provides a file-backed auth.CredentialStore for local
// development.
//
// The whole user collection lives in one JSON document. Every mutation
// reads the document, changes it and rewrites it in full. Writes go to a
// temporary file in the same directory that is then renamed over the
// original, so readers never observe a partial document.
//
// A mutex serialises writers inside one process. Two processes writing the
// same file are not coordinated: concurrent failure counting may lose
// increments in that setup. Use the postgres backend where that matters.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/storage"
)

// Store implements auth.CredentialStore over a JSON file.
type Store struct {
	path string
	mu   sync.Mutex
}

var _ auth.CredentialStore = (*Store)(nil)

// New returns a Store for the document at path. The file is created on the
// first write; a missing file reads as an empty collection.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("users file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating users file directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the location of the backing document.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() (*storage.Collection, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return storage.NewCollection(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	c := storage.NewCollection()
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}
	if err := c.Reconcile(); err != nil {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}
	return c, nil
}

func (s *Store) save(c *storage.Collection) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".users-*.json")
	if err != nil {
		return fmt.Errorf("creating temp users file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting users file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp users file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp users file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp users file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing users file: %w", err)
	}
	return nil
}

func (s *Store) read(fn func(c *storage.Collection) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.load()
	if err != nil {
		return err
	}
	return fn(c)
}

// mutate performs one read-modify-write cycle of the whole document.
func (s *Store) mutate(fn func(c *storage.Collection) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	return s.save(c)
}

func (s *Store) FindByUsername(_ context.Context, username string) (*auth.UserRecord, error) {
	var user *auth.UserRecord
	err := s.read(func(c *storage.Collection) error {
		var err error
		user, err = c.FindByUsername(username)
		return err
	})
	return user, err
}

func (s *Store) FindByID(_ context.Context, id string) (*auth.UserRecord, error) {
	var user *auth.UserRecord
	err := s.read(func(c *storage.Collection) error {
		var err error
		user, err = c.FindByID(id)
		return err
	})
	return user, err
}

func (s *Store) List(_ context.Context) ([]*auth.UserRecord, error) {
	var users []*auth.UserRecord
	err := s.read(func(c *storage.Collection) error {
		users = c.List()
		return nil
	})
	return users, err
}

func (s *Store) Create(_ context.Context, user *auth.UserRecord) error {
	return s.mutate(func(c *storage.Collection) error {
		return c.Insert(user)
	})
}

func (s *Store) RecordFailure(_ context.Context, id string, at time.Time) error {
	return s.mutate(func(c *storage.Collection) error {
		return c.RecordFailure(id, at)
	})
}

func (s *Store) ResetFailures(_ context.Context, id string) error {
	return s.mutate(func(c *storage.Collection) error {
		return c.ResetFailures(id)
	})
}

func (s *Store) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return s.mutate(func(c *storage.Collection) error {
		return c.SetPasswordHash(id, hash)
	})
}

func (s *Store) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	return s.mutate(func(c *storage.Collection) error {
		return c.SetLastLogin(id, at)
	})
}

func (s *Store) UpdateStatus(_ context.Context, id string, status auth.Status) error {
	return s.mutate(func(c *storage.Collection) error {
		return c.SetStatus(id, status)
	})
}

func (s *Store) UpdateRole(_ context.Context, id string, role auth.Role) error {
	return s.mutate(func(c *storage.Collection) error {
		return c.SetRole(id, role)
	})
}
