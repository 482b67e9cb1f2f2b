// Package storetest holds the behavioural checks every auth.AccountStore
// backend must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adeilh/go-rakh-auth/auth"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) auth.AccountStore

// base is truncated to milliseconds so backends storing epoch millis
// round-trip exactly.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the full AccountStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("CreateAndLookup", func(t *testing.T) { testCreateAndLookup(t, newStore(t)) })
	t.Run("DuplicateEmail", func(t *testing.T) { testDuplicateEmail(t, newStore(t)) })
	t.Run("UpdateRoundTrip", func(t *testing.T) { testUpdateRoundTrip(t, newStore(t)) })
	t.Run("UpdateRollback", func(t *testing.T) { testUpdateRollback(t, newStore(t)) })
	t.Run("SecretLookup", func(t *testing.T) { testSecretLookup(t, newStore(t)) })
	t.Run("ClearExpiredResetTokens", func(t *testing.T) { testClearExpired(t, newStore(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
}

// Seed creates an account with the given id and email.
func Seed(t *testing.T, store auth.AccountStore, id, email string) auth.Account {
	t.Helper()
	account, err := auth.NewAccount(id, email, "Test", "User", "$2a$04$digest", base)
	if err != nil {
		t.Fatalf("NewAccount(%q) error = %v", email, err)
	}
	if err := store.Create(context.Background(), account); err != nil {
		t.Fatalf("Create(%q) error = %v", email, err)
	}
	return account
}

func testCreateAndLookup(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	created := Seed(t, store, "11111111-1111-1111-1111-111111111111", "Alice@Example.com")

	byID, err := store.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if byID.Email != "alice@example.com" || byID.FirstName != "Test" || byID.PasswordHash != created.PasswordHash {
		t.Fatalf("GetByID() = %+v", byID)
	}
	if !byID.CreatedAt.Equal(base) {
		t.Fatalf("CreatedAt = %v, want %v", byID.CreatedAt, base)
	}

	byEmail, err := store.GetByEmail(ctx, "  ALICE@example.com ")
	if err != nil {
		t.Fatalf("GetByEmail() error = %v", err)
	}
	if byEmail.ID != created.ID {
		t.Fatalf("GetByEmail() id = %q", byEmail.ID)
	}

	if _, err := store.GetByID(ctx, "22222222-2222-2222-2222-222222222222"); !errors.Is(err, auth.ErrAccountNotFound) {
		t.Fatalf("GetByID(missing) error = %v", err)
	}
	if _, err := store.GetByEmail(ctx, "nobody@example.com"); !errors.Is(err, auth.ErrAccountNotFound) {
		t.Fatalf("GetByEmail(missing) error = %v", err)
	}
}

func testDuplicateEmail(t *testing.T, store auth.AccountStore) {
	Seed(t, store, "11111111-1111-1111-1111-111111111111", "alice@example.com")
	dup, _ := auth.NewAccount("33333333-3333-3333-3333-333333333333", "ALICE@example.com", "A", "B", "d", base)
	if err := store.Create(context.Background(), dup); !errors.Is(err, auth.ErrEmailTaken) {
		t.Fatalf("Create(duplicate) error = %v, want ErrEmailTaken", err)
	}
}

func testUpdateRoundTrip(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	account := Seed(t, store, "11111111-1111-1111-1111-111111111111", "alice@example.com")

	lockedUntil := base.Add(2 * time.Hour)
	lastLogin := base.Add(time.Minute)
	updated, err := store.Update(ctx, account.ID, func(a *auth.Account) error {
		a.ID = "hijacked"
		a.EmailVerified = true
		a.FailedLoginCount = 3
		a.LockedUntil = &lockedUntil
		a.LastLoginAt = &lastLogin
		a.AddRefreshToken("rt-1")
		a.AddRefreshToken("rt-2")
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.ID != account.ID {
		t.Fatalf("Update() changed id to %q", updated.ID)
	}

	got, err := store.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !got.EmailVerified || got.FailedLoginCount != 3 {
		t.Fatalf("flags not persisted: %+v", got)
	}
	if got.LockedUntil == nil || !got.LockedUntil.Equal(lockedUntil) {
		t.Fatalf("LockedUntil = %v, want %v", got.LockedUntil, lockedUntil)
	}
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(lastLogin) {
		t.Fatalf("LastLoginAt = %v", got.LastLoginAt)
	}
	if len(got.RefreshTokens) != 2 || got.RefreshTokens[0] != "rt-1" || got.RefreshTokens[1] != "rt-2" {
		t.Fatalf("RefreshTokens = %v", got.RefreshTokens)
	}

	if _, err := store.Update(ctx, account.ID, func(a *auth.Account) error {
		a.LockedUntil = nil
		a.RevokeRefreshTokens()
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ = store.GetByID(ctx, account.ID)
	if got.LockedUntil != nil || len(got.RefreshTokens) != 0 {
		t.Fatalf("cleared fields persisted as %+v", got)
	}

	if _, err := store.Update(ctx, "44444444-4444-4444-4444-444444444444", func(*auth.Account) error { return nil }); !errors.Is(err, auth.ErrAccountNotFound) {
		t.Fatalf("Update(missing) error = %v", err)
	}
}

func testUpdateRollback(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	account := Seed(t, store, "11111111-1111-1111-1111-111111111111", "alice@example.com")

	boom := errors.New("boom")
	_, err := store.Update(ctx, account.ID, func(a *auth.Account) error {
		a.FirstName = "Mallory"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	got, _ := store.GetByID(ctx, account.ID)
	if got.FirstName != "Test" {
		t.Fatalf("failed update persisted FirstName = %q", got.FirstName)
	}
}

func testSecretLookup(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	alice := Seed(t, store, "11111111-1111-1111-1111-111111111111", "alice@example.com")
	Seed(t, store, "22222222-2222-2222-2222-222222222222", "bob@example.com")

	expires := base.Add(10 * time.Minute)
	if _, err := store.Update(ctx, alice.ID, func(a *auth.Account) error {
		a.ResetTokenHash = "reset-digest"
		a.ResetExpiresAt = &expires
		a.VerificationTokenHash = "verify-digest"
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.GetBySecretHash(ctx, auth.SecretReset, "reset-digest")
	if err != nil || got.ID != alice.ID {
		t.Fatalf("GetBySecretHash(reset) = %v, %v", got.ID, err)
	}
	if got.ResetExpiresAt == nil || !got.ResetExpiresAt.Equal(expires) {
		t.Fatalf("ResetExpiresAt = %v", got.ResetExpiresAt)
	}
	if got, err := store.GetBySecretHash(ctx, auth.SecretVerification, "verify-digest"); err != nil || got.ID != alice.ID {
		t.Fatalf("GetBySecretHash(verification) = %v, %v", got.ID, err)
	}

	misses := []struct {
		purpose auth.SecretPurpose
		hash    string
	}{
		{auth.SecretReset, "verify-digest"},
		{auth.SecretVerification, "reset-digest"},
		{auth.SecretReset, ""},
		{auth.SecretVerification, ""},
		{auth.SecretReset, "unknown"},
	}
	for _, m := range misses {
		if _, err := store.GetBySecretHash(ctx, m.purpose, m.hash); !errors.Is(err, auth.ErrAccountNotFound) {
			t.Fatalf("GetBySecretHash(%s, %q) error = %v", m.purpose, m.hash, err)
		}
	}
}

func testClearExpired(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	expired := Seed(t, store, "11111111-1111-1111-1111-111111111111", "alice@example.com")
	live := Seed(t, store, "22222222-2222-2222-2222-222222222222", "bob@example.com")

	setReset := func(id, digest string, at time.Time) {
		t.Helper()
		if _, err := store.Update(ctx, id, func(a *auth.Account) error {
			a.ResetTokenHash = digest
			a.ResetExpiresAt = &at
			return nil
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}
	setReset(expired.ID, "old", base.Add(-time.Minute))
	setReset(live.ID, "fresh", base.Add(time.Minute))

	n, err := store.ClearExpiredResetTokens(ctx, base)
	if err != nil {
		t.Fatalf("ClearExpiredResetTokens() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ClearExpiredResetTokens() = %d, want 1", n)
	}

	got, _ := store.GetByID(ctx, expired.ID)
	if got.ResetTokenHash != "" || got.ResetExpiresAt != nil {
		t.Fatalf("expired secret not cleared: %+v", got)
	}
	got, _ = store.GetByID(ctx, live.ID)
	if got.ResetTokenHash != "fresh" {
		t.Fatalf("live secret cleared: %+v", got)
	}
}

func testConcurrentUpdates(t *testing.T, store auth.AccountStore) {
	ctx := context.Background()
	account := Seed(t, store, "11111111-1111-1111-1111-111111111111", "alice@example.com")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, account.ID, func(a *auth.Account) error {
				a.FailedLoginCount++
				return nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Update() error = %v", err)
	}

	got, _ := store.GetByID(ctx, account.ID)
	if got.FailedLoginCount != workers {
		t.Fatalf("FailedLoginCount = %d, want %d (lost update)", got.FailedLoginCount, workers)
	}
}
