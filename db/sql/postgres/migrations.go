package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the accounts table. Timestamps are epoch milliseconds and
// refresh_tokens holds a JSON array, matching the sqlite layout.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id                      TEXT PRIMARY KEY,
		email                   TEXT NOT NULL UNIQUE,
		first_name              TEXT NOT NULL,
		last_name               TEXT NOT NULL,
		password_hash           TEXT NOT NULL,
		email_verified          BOOLEAN NOT NULL DEFAULT FALSE,
		verification_token_hash TEXT NOT NULL DEFAULT '',
		verification_expires_at BIGINT,
		reset_token_hash        TEXT NOT NULL DEFAULT '',
		reset_expires_at        BIGINT,
		refresh_tokens          TEXT NOT NULL DEFAULT '[]',
		failed_login_count      INTEGER NOT NULL DEFAULT 0,
		locked_until            BIGINT,
		last_login_at           BIGINT,
		created_at              BIGINT NOT NULL,
		updated_at              BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS accounts_reset_token_hash_idx
		ON accounts (reset_token_hash) WHERE reset_token_hash <> ''`,
	`CREATE INDEX IF NOT EXISTS accounts_verification_token_hash_idx
		ON accounts (verification_token_hash) WHERE verification_token_hash <> ''`,
	`CREATE INDEX IF NOT EXISTS accounts_reset_expires_at_idx
		ON accounts (reset_expires_at) WHERE reset_expires_at IS NOT NULL`,
}

// ApplyMigrations executes the provided SQL statements in order. With no
// statements it applies Schema.
func ApplyMigrations(ctx context.Context, db *sql.DB, statements ...string) error {
	if db == nil {
		return fmt.Errorf("postgres: db is nil")
	}
	if len(statements) == 0 {
		statements = Schema
	}
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
