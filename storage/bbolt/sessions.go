// Package bbolt provides a BBolt-backed auth.SessionStore.
//
// Sessions are keyed by the SHA-256 of their identifier so the database
// never holds a usable cookie value. Each record is sealed with AES-256-GCM
// under a key kept in a memguard enclave, with the storage key as AAD.
package bbolt

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/storage"
)

const (
	sessionBucket    = "sessions"
	sessionAADPrefix = "session:"
)

// SessionStore implements auth.SessionStore backed by a BBolt database.
type SessionStore struct {
	db  *bbolt.DB
	key *memguard.Enclave
}

var _ auth.SessionStore = (*SessionStore)(nil)

// NewSessionStore returns a store over db sealing records with key, which
// must be 32 bytes. key is wiped once it has been moved into the enclave.
func NewSessionStore(db *bbolt.DB, key []byte) (*SessionStore, error) {
	if len(key) != util.AESKeySize {
		return nil, fmt.Errorf("session key must be exactly %d bytes, got %d", util.AESKeySize, len(key))
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating session bucket: %w", err)
	}
	return &SessionStore{db: db, key: memguard.NewEnclave(key)}, nil
}

// NewSessionStoreFromFile opens a BBolt database at path and returns a store over it.
func NewSessionStoreFromFile(path string, key []byte, options *bbolt.Options) (*SessionStore, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewSessionStore(db, key)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

func storageKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return util.HexEncode(sum[:])
}

func (s *SessionStore) seal(key string, session *auth.SessionRecord) ([]byte, error) {
	plain, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	defer util.Wipe(plain)

	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()

	env, err := storage.SealRecord(buf.Bytes(), plain, []byte(sessionAADPrefix+key))
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (s *SessionStore) open(key string, data []byte) (*auth.SessionRecord, error) {
	var env storage.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()

	plain, err := storage.OpenRecord(buf.Bytes(), &env, []byte(sessionAADPrefix+key))
	if err != nil {
		return nil, err
	}
	defer util.Wipe(plain)

	var session auth.SessionRecord
	if err := json.Unmarshal(plain, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionStore) Get(_ context.Context, id string) (*auth.SessionRecord, error) {
	key := storageKey(id)
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		if v := b.Get([]byte(key)); v != nil {
			data = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, auth.ErrSessionNotFound
	}
	session, err := s.open(key, data)
	if err != nil {
		// Unreadable under the current key: treat as gone.
		_ = s.Delete(context.Background(), id)
		return nil, auth.ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionStore) Put(_ context.Context, session *auth.SessionRecord) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	key := storageKey(session.ID)
	data, err := s.seal(key, session)
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Put([]byte(key), data)
	})
}

// Touch rewrites the activity time inside one write transaction, so a
// concurrent Delete either happens before (ErrSessionNotFound) or after.
func (s *SessionStore) Touch(_ context.Context, id string, at time.Time) error {
	key := storageKey(id)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		v := b.Get([]byte(key))
		if v == nil {
			return auth.ErrSessionNotFound
		}
		session, err := s.open(key, v)
		if err != nil {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
			return auth.ErrSessionNotFound
		}
		session.LastActivityAt = at
		data, err := s.seal(key, session)
		if err != nil {
			return fmt.Errorf("sealing session: %w", err)
		}
		return b.Put([]byte(key), data)
	})
}

func (s *SessionStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Delete([]byte(storageKey(id)))
	})
}

// deleteWhere removes every record for which match returns true. Records
// that cannot be opened are removed as well.
func (s *SessionStore) deleteWhere(match func(*auth.SessionRecord) bool) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			session, err := s.open(string(k), v)
			if err != nil || match(session) {
				doomed = append(doomed, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	return n, err
}

func (s *SessionStore) DeleteByUser(_ context.Context, userID, exceptID string) error {
	_, err := s.deleteWhere(func(session *auth.SessionRecord) bool {
		return session.UserID == userID && session.ID != exceptID
	})
	return err
}

func (s *SessionStore) DeleteInactive(_ context.Context, cutoff time.Time) (int, error) {
	return s.deleteWhere(func(session *auth.SessionRecord) bool {
		return session.LastActivityAt.Before(cutoff)
	})
}
