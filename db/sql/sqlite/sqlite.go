// Package sqlite provides an embedded auth.AccountStore on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adeilh/go-rakh-auth/db/sql/sqlstore"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id                      TEXT PRIMARY KEY,
		email                   TEXT NOT NULL UNIQUE,
		first_name              TEXT NOT NULL,
		last_name               TEXT NOT NULL,
		password_hash           TEXT NOT NULL,
		email_verified          INTEGER NOT NULL DEFAULT 0,
		verification_token_hash TEXT NOT NULL DEFAULT '',
		verification_expires_at INTEGER,
		reset_token_hash        TEXT NOT NULL DEFAULT '',
		reset_expires_at        INTEGER,
		refresh_tokens          TEXT NOT NULL DEFAULT '[]',
		failed_login_count      INTEGER NOT NULL DEFAULT 0,
		locked_until            INTEGER,
		last_login_at           INTEGER,
		created_at              INTEGER NOT NULL,
		updated_at              INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS accounts_reset_token_hash_idx ON accounts (reset_token_hash) WHERE reset_token_hash <> ''`,
	`CREATE INDEX IF NOT EXISTS accounts_verification_token_hash_idx ON accounts (verification_token_hash) WHERE verification_token_hash <> ''`,
}

// Store is the SQLite-backed account store. It owns its *sql.DB.
type Store struct {
	*sqlstore.Store
	db *sql.DB
}

// Dialect returns the sqlstore dialect for SQLite. The pool is capped at one
// connection, so Update transactions run one at a time.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:              "sqlite",
		IsUniqueViolation: isUniqueViolation,
	}
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...sqlstore.Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: migrate: %w", err)
		}
	}

	inner, err := sqlstore.New(db, Dialect(), opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// isUniqueViolation matches UNIQUE and PRIMARY KEY failures only; NOT NULL,
// CHECK and foreign key failures are ordinary errors.
func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Primary code only when extended codes are off.
		msg := sqliteErr.Error()
		return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
	}
	return false
}
