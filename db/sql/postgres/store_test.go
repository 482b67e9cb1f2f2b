package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/adeilh/go-rakh-auth/auth"
	testpg "github.com/adeilh/go-rakh-auth/internal/testutil/postgrescontainer"
	"github.com/adeilh/go-rakh-auth/internal/testutil/storetest"
	"github.com/lib/pq"
)

const testTimeout = 5 * time.Second

var setupErr error

func TestMain(m *testing.M) {
	setupErr = testpg.Setup()
	code := m.Run()
	if setupErr == nil {
		_ = testpg.Teardown()
	}
	os.Exit(code)
}

func TestAccountStoreConformance(t *testing.T) {
	db := openTestDB(t)
	storetest.Run(t, func(t *testing.T) auth.AccountStore {
		resetSchema(t, db)
		store, err := NewAccountStore(db)
		if err != nil {
			t.Fatalf("NewAccountStore() error = %v", err)
		}
		return store
	})
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background()); !errors.Is(err, ErrMissingDSN) {
		t.Fatalf("Open() error = %v, want ErrMissingDSN", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Fatal("23505 not detected")
	}
	if isUniqueViolation(&pq.Error{Code: "22P02"}) || isUniqueViolation(errors.New("x")) {
		t.Fatal("unrelated errors classified as unique violations")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres container unavailable: %v", setupErr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	db, err := Open(ctx, WithDSN(testpg.DSN()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func resetSchema(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := ApplyMigrations(ctx, db, "DROP TABLE IF EXISTS accounts"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}
