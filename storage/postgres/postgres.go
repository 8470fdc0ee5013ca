// Package postgres implements auth.CredentialStore backed by PostgreSQL.
//
// Every mutation is a single UPDATE keyed by the primary key, so each one
// is atomic per row. Failure counting increments in SQL rather than writing
// back a value read earlier, which makes concurrent login attempts against
// one account serialise at the row lock.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/storage/postgres/migrations"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// DBTX is the subset of *sql.DB (or *sql.Tx) the store needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements auth.CredentialStore over PostgreSQL.
type Store struct {
	db DBTX
}

var _ auth.CredentialStore = (*Store)(nil)

// NewStore returns a Store using db.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL through the pgx driver and pings it.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return db, nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

const selectUser = `SELECT id, username, password_hash, email, role, status,
	failed_attempts, last_failure_at, last_login_at, created_at
	FROM users`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.UserRecord, error) {
	var (
		u           auth.UserRecord
		role        string
		status      string
		lastFailure sql.NullTime
		lastLogin   sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &role, &status,
		&u.FailedAttempts, &lastFailure, &lastLogin, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	u.Status = auth.Status(status)
	if lastFailure.Valid {
		t := lastFailure.Time
		u.LastFailureAt = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func (s *Store) findOne(ctx context.Context, key, query string, arg any) (*auth.UserRecord, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, auth.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*auth.UserRecord, error) {
	return s.findOne(ctx, username, selectUser+` WHERE username = $1`, username)
}

func (s *Store) FindByID(ctx context.Context, id string) (*auth.UserRecord, error) {
	return s.findOne(ctx, id, selectUser+` WHERE id = $1`, id)
}

func (s *Store) List(ctx context.Context) ([]*auth.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectUser+` ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var users []*auth.UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) Create(ctx context.Context, user *auth.UserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, email, role, status, failed_attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
		user.ID, user.Username, user.PasswordHash, user.Email,
		string(user.Role), string(user.Status), user.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", user.Username, auth.ErrUserExists)
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// exec runs a single-row UPDATE and maps "no row touched" to ErrUserNotFound.
func (s *Store) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, auth.ErrUserNotFound)
	}
	return nil
}

func (s *Store) RecordFailure(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, id,
		`UPDATE users SET failed_attempts = failed_attempts + 1, last_failure_at = $2 WHERE id = $1`,
		id, at)
}

func (s *Store) ResetFailures(ctx context.Context, id string) error {
	return s.exec(ctx, id, `UPDATE users SET failed_attempts = 0 WHERE id = $1`, id)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return s.exec(ctx, id, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, hash)
}

func (s *Store) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, id, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status auth.Status) error {
	return s.exec(ctx, id, `UPDATE users SET status = $2 WHERE id = $1`, id, string(status))
}

func (s *Store) UpdateRole(ctx context.Context, id string, role auth.Role) error {
	return s.exec(ctx, id, `UPDATE users SET role = $2 WHERE id = $1`, id, string(role))
}
