package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/internal/config"
	bboltstorage "github.com/jmcleod/gatehouse/storage/bbolt"
	"github.com/jmcleod/gatehouse/storage/filestore"
	"github.com/jmcleod/gatehouse/storage/memory"
	"github.com/jmcleod/gatehouse/storage/postgres"
)

// stores bundles the opened backends and whatever must be closed on exit.
type stores struct {
	users    auth.CredentialStore
	sessions auth.SessionStore
	closers  []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func openCredentialStore(ctx context.Context, cfg *config.Config, s *stores) error {
	switch cfg.Backend {
	case "file":
		fs, err := filestore.New(cfg.UsersFile)
		if err != nil {
			return err
		}
		s.users = fs
	case "postgres":
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, db.Close)
		s.users = postgres.NewStore(db)
	case "memory":
		s.users = memory.NewStore()
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

func openSessionStore(cfg *config.Config, s *stores) error {
	switch cfg.SessionBackend {
	case "memory":
		s.sessions = auth.NewMemorySessionStore()
	case "bbolt":
		key, err := cfg.SessionKeyBytes()
		if err != nil {
			return err
		}
		bs, err := bboltstorage.NewSessionStoreFromFile(cfg.SessionDB, key, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return fmt.Errorf("failed to open session storage: %w", err)
		}
		s.closers = append(s.closers, bs.Close)
		s.sessions = bs
	default:
		return fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
	return nil
}

// openStores opens the credential and session backends named by cfg.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}
	if err := openCredentialStore(ctx, cfg, s); err != nil {
		return nil, err
	}
	if err := openSessionStore(cfg, s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newVerifier(cfg *config.Config) (*auth.PasswordVerifier, error) {
	alg, err := auth.ParseHashAlgorithm(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	return auth.NewPasswordVerifier(
		auth.WithHashAlgorithm(alg),
		auth.WithBcryptCost(cfg.BcryptCost),
	)
}

// newManager opens the configured backends and builds an auth.Manager
// over them. Callers close the returned stores.
func newManager(ctx context.Context, cfg *config.Config, opts ...auth.ManagerOption) (*auth.Manager, *stores, error) {
	s, err := openStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	verifier, err := newVerifier(cfg)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	opts = append([]auth.ManagerOption{
		auth.WithVerifier(verifier),
		auth.WithIdleTimeout(cfg.IdleTimeout.Duration),
		auth.WithMaxLifetime(cfg.MaxLifetime.Duration),
	}, opts...)
	m, err := auth.NewManager(s.users, s.sessions, opts...)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return m, s, nil
}

// openDatabase is used by commands that need the raw connection.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.Backend != "postgres" {
		return nil, fmt.Errorf("backend %q has no schema to migrate", cfg.Backend)
	}
	return postgres.Open(ctx, cfg.DatabaseURL)
}
