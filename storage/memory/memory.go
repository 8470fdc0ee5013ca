// Package memory provides a thread-safe in-memory auth.CredentialStore.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/storage"
)

// Store is a thread-safe in-memory credential store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data *storage.Collection
}

var _ auth.CredentialStore = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{data: storage.NewCollection()}
}

func (s *Store) FindByUsername(_ context.Context, username string) (*auth.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.FindByUsername(username)
}

func (s *Store) FindByID(_ context.Context, id string) (*auth.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.FindByID(id)
}

func (s *Store) List(_ context.Context) ([]*auth.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.List(), nil
}

func (s *Store) Create(_ context.Context, user *auth.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Insert(user)
}

func (s *Store) RecordFailure(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.RecordFailure(id, at)
}

func (s *Store) ResetFailures(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ResetFailures(id)
}

func (s *Store) UpdatePasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetPasswordHash(id, hash)
}

func (s *Store) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetLastLogin(id, at)
}

func (s *Store) UpdateStatus(_ context.Context, id string, status auth.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetStatus(id, status)
}

func (s *Store) UpdateRole(_ context.Context, id string, role auth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetRole(id, role)
}
