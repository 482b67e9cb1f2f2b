package postgres

import (
	"database/sql"
	"errors"

	"github.com/adeilh/go-rakh-auth/db/sql/sqlstore"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Dialect returns the sqlstore dialect for PostgreSQL. Update takes a row
// lock with SELECT ... FOR UPDATE.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:              "postgres",
		NumberedParams:    true,
		LockClause:        " FOR UPDATE",
		IsUniqueViolation: isUniqueViolation,
	}
}

// NewAccountStore returns an auth.AccountStore backed by db. Run
// ApplyMigrations first.
func NewAccountStore(db *sql.DB, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	return sqlstore.New(db, Dialect(), opts...)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
