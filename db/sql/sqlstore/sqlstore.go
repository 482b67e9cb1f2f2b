// Package sqlstore implements auth.AccountStore over database/sql. Dialect
// differences (placeholders, row locking, constraint errors) are supplied by
// the postgres and sqlite packages.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adeilh/go-rakh-auth/auth"
)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string
	// NumberedParams rewrites "?" placeholders to "$1", "$2", ...
	NumberedParams bool
	// LockClause is appended to the SELECT that opens an Update.
	LockClause string
	// IsUniqueViolation reports whether err is a unique-constraint failure.
	IsUniqueViolation func(error) bool
}

// Store is a database/sql AccountStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an open database. The schema must already exist.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: db is nil")
	}
	if dialect.IsUniqueViolation == nil {
		dialect.IsUniqueViolation = func(error) bool { return false }
	}
	s := &Store{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// DB exposes the underlying handle for health checks and migrations.
func (s *Store) DB() *sql.DB { return s.db }

const accountColumns = `id, email, first_name, last_name, password_hash, email_verified,
	verification_token_hash, verification_expires_at, reset_token_hash, reset_expires_at,
	refresh_tokens, failed_login_count, locked_until, last_login_at, created_at, updated_at`

func (s *Store) Create(ctx context.Context, account auth.Account) error {
	if account.ID == "" {
		return errors.New("sqlstore: account id is required")
	}
	account.Email = auth.NormalizeEmail(account.Email)
	args, err := accountArgs(account)
	if err != nil {
		return err
	}
	query := `INSERT INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return s.translate("create", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (auth.Account, error) {
	return s.getOne(ctx, s.db, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
}

func (s *Store) GetByEmail(ctx context.Context, email string) (auth.Account, error) {
	return s.getOne(ctx, s.db, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, auth.NormalizeEmail(email))
}

func (s *Store) GetBySecretHash(ctx context.Context, purpose auth.SecretPurpose, hash string) (auth.Account, error) {
	if hash == "" {
		return auth.Account{}, auth.ErrAccountNotFound
	}
	var column string
	switch purpose {
	case auth.SecretReset:
		column = "reset_token_hash"
	case auth.SecretVerification:
		column = "verification_token_hash"
	default:
		return auth.Account{}, fmt.Errorf("sqlstore: unknown secret purpose %q", purpose)
	}
	return s.getOne(ctx, s.db, `SELECT `+accountColumns+` FROM accounts WHERE `+column+` = ?`, hash)
}

// Update locks the row (where the dialect supports it), applies fn to the
// current record and writes it back in the same transaction.
func (s *Store) Update(ctx context.Context, id string, fn func(*auth.Account) error) (auth.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Account{}, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.getOne(ctx, tx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`+s.dialect.LockClause, id)
	if err != nil {
		return auth.Account{}, err
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		return auth.Account{}, err
	}
	next.ID = current.ID
	next.Email = auth.NormalizeEmail(next.Email)
	next.UpdatedAt = s.now().UTC()

	args, err := accountArgs(next)
	if err != nil {
		return auth.Account{}, err
	}
	query := `UPDATE accounts SET email = ?, first_name = ?, last_name = ?, password_hash = ?,
		email_verified = ?, verification_token_hash = ?, verification_expires_at = ?,
		reset_token_hash = ?, reset_expires_at = ?, refresh_tokens = ?, failed_login_count = ?,
		locked_until = ?, last_login_at = ?, created_at = ?, updated_at = ? WHERE id = ?`
	// accountArgs leads with id; the UPDATE takes it last.
	updateArgs := append(args[1:], next.ID)
	if _, err := tx.ExecContext(ctx, s.rebind(query), updateArgs...); err != nil {
		return auth.Account{}, s.translate("update", err)
	}
	if err := tx.Commit(); err != nil {
		return auth.Account{}, fmt.Errorf("sqlstore: commit: %w", err)
	}
	return next, nil
}

func (s *Store) ClearExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE accounts SET reset_token_hash = '', reset_expires_at = NULL, updated_at = ?
		WHERE reset_expires_at IS NOT NULL AND reset_expires_at <= ?`
	res, err := s.db.ExecContext(ctx, s.rebind(query), toMillis(s.now()), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: clear expired reset tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	return n, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getOne(ctx context.Context, q queryRower, query string, args ...any) (auth.Account, error) {
	account, err := scanAccount(q.QueryRowContext(ctx, s.rebind(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Account{}, auth.ErrAccountNotFound
		}
		return auth.Account{}, fmt.Errorf("sqlstore: select: %w", err)
	}
	return account, nil
}

func (s *Store) translate(op string, err error) error {
	if s.dialect.IsUniqueViolation(err) {
		return auth.ErrEmailTaken
	}
	return fmt.Errorf("sqlstore: %s: %w", op, err)
}

func (s *Store) rebind(query string) string {
	if !s.dialect.NumberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func accountArgs(a auth.Account) ([]any, error) {
	tokens := a.RefreshTokens
	if tokens == nil {
		tokens = []string{}
	}
	tokensJSON, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode refresh tokens: %w", err)
	}
	return []any{
		a.ID,
		a.Email,
		a.FirstName,
		a.LastName,
		a.PasswordHash,
		a.EmailVerified,
		a.VerificationTokenHash,
		nullMillis(a.VerificationExpiresAt),
		a.ResetTokenHash,
		nullMillis(a.ResetExpiresAt),
		string(tokensJSON),
		a.FailedLoginCount,
		nullMillis(a.LockedUntil),
		nullMillis(a.LastLoginAt),
		toMillis(a.CreatedAt),
		toMillis(a.UpdatedAt),
	}, nil
}

func scanAccount(row *sql.Row) (auth.Account, error) {
	var (
		a                   auth.Account
		verificationExpires sql.NullInt64
		resetExpires        sql.NullInt64
		lockedUntil         sql.NullInt64
		lastLogin           sql.NullInt64
		tokensJSON          string
		createdAt           int64
		updatedAt           int64
	)
	if err := row.Scan(
		&a.ID,
		&a.Email,
		&a.FirstName,
		&a.LastName,
		&a.PasswordHash,
		&a.EmailVerified,
		&a.VerificationTokenHash,
		&verificationExpires,
		&a.ResetTokenHash,
		&resetExpires,
		&tokensJSON,
		&a.FailedLoginCount,
		&lockedUntil,
		&lastLogin,
		&createdAt,
		&updatedAt,
	); err != nil {
		return auth.Account{}, err
	}
	if tokensJSON != "" {
		if err := json.Unmarshal([]byte(tokensJSON), &a.RefreshTokens); err != nil {
			return auth.Account{}, fmt.Errorf("decode refresh tokens: %w", err)
		}
	}
	a.VerificationExpiresAt = fromNullMillis(verificationExpires)
	a.ResetExpiresAt = fromNullMillis(resetExpires)
	a.LockedUntil = fromNullMillis(lockedUntil)
	a.LastLoginAt = fromNullMillis(lastLogin)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}

// Timestamps are stored as UTC epoch milliseconds on every engine.
func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
