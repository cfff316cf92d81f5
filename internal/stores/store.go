package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store implements every durable repository of the security core over one *sql.DB.
// The host owns the connection pool; Store never closes it.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at/updated_at/revoked_at.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New wraps an open database handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for host-side tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrUnavailable
	}
	return s.db.PingContext(ctx)
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

type migration struct {
	version int64
	stmt    string
}

// migrations are append-only. The DDL sticks to the subset PostgreSQL and SQLite share.
var migrations = []migration{
	{1, `CREATE TABLE IF NOT EXISTS subjects (
		id TEXT PRIMARY KEY,
		identifier TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`},
	{2, `CREATE TABLE IF NOT EXISTS roles (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		is_system BOOLEAN NOT NULL DEFAULT FALSE,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`},
	{3, `CREATE TABLE IF NOT EXISTS permissions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	)`},
	{4, `CREATE TABLE IF NOT EXISTS role_permissions (
		role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission_id TEXT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		PRIMARY KEY (role_id, permission_id)
	)`},
	{5, `CREATE TABLE IF NOT EXISTS admin_profiles (
		subject_id TEXT PRIMARY KEY REFERENCES subjects(id),
		role_id TEXT NULL REFERENCES roles(id),
		is_super_admin BOOLEAN NOT NULL DEFAULT FALSE,
		permission_overrides TEXT NOT NULL DEFAULT '{}',
		profile_version BIGINT NOT NULL DEFAULT 1
	)`},
	{6, `CREATE TABLE IF NOT EXISTS refresh_tokens (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		family_id TEXT NOT NULL,
		parent_token_id TEXT NULL,
		expires_at TIMESTAMP NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL
	)`},
	{7, `CREATE INDEX IF NOT EXISTS refresh_tokens_family_idx ON refresh_tokens (family_id)`},
	{8, `CREATE INDEX IF NOT EXISTS refresh_tokens_subject_idx ON refresh_tokens (subject_id)`},
	{9, `ALTER TABLE refresh_tokens ADD COLUMN revoked_reason TEXT NOT NULL DEFAULT ''`},
}

// Migrate applies pending migrations and records them in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return ErrUnavailable
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int64]struct{})
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
		m.version, s.timestamp(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration, or zero.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, ErrUnavailable
	}
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return v.Int64, nil
}
