package auth

import (
	"context"
	"sync"
	"time"
)

// SessionRecord is the server-side state bound to a session cookie.
// An empty UserID marks an anonymous session that exists only to carry a
// CSRF token for the login and registration forms.
type SessionRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CSRFToken      string    `json:"csrf_token"`
}

// Authenticated reports whether the session belongs to a user.
func (s *SessionRecord) Authenticated() bool {
	return s != nil && s.UserID != ""
}

// MemorySessionStore is a thread-safe in-memory SessionStore.
// Sessions are lost on server restart.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]SessionRecord
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{data: make(map[string]SessionRecord)}
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*SessionRecord, error) {
	s.mu.RLock()
	session, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

func (s *MemorySessionStore) Put(_ context.Context, session *SessionRecord) error {
	s.mu.Lock()
	s.data[session.ID] = *session
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.data[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.LastActivityAt = at
	s.data[id] = session
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) DeleteByUser(_ context.Context, userID, exceptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.data {
		if session.UserID == userID && id != exceptID {
			delete(s.data, id)
		}
	}
	return nil
}

func (s *MemorySessionStore) DeleteInactive(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, session := range s.data {
		if session.LastActivityAt.Before(cutoff) {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}
