package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newSecretFixture(t *testing.T, opts ...SecretOption) (*testClock, *MemoryStore, *SecretTokenManager) {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore()
	seedAccount(t, store, "acc-1", "alice@example.com")
	opts = append([]SecretOption{WithSecretClock(clock.Now)}, opts...)
	secrets, err := NewSecretTokenManager(store, opts...)
	if err != nil {
		t.Fatalf("NewSecretTokenManager() error = %v", err)
	}
	return clock, store, secrets
}

func TestSecretTokenFormat(t *testing.T) {
	ctx := context.Background()
	_, store, secrets := newSecretFixture(t)

	token, err := secrets.IssueResetToken(ctx, "acc-1")
	if err != nil {
		t.Fatalf("IssueResetToken() error = %v", err)
	}
	raw, err := hex.DecodeString(token)
	if err != nil || len(raw) != 32 {
		t.Fatalf("token %q is not 32 hex-encoded bytes", token)
	}

	account, _ := store.GetByID(ctx, "acc-1")
	if account.ResetTokenHash == token {
		t.Fatal("plaintext token persisted")
	}
	if account.ResetTokenHash != HashSecret(token) {
		t.Fatal("stored digest does not match HashSecret(token)")
	}
}

func TestConsumeResetToken(t *testing.T) {
	ctx := context.Background()
	clock, store, secrets := newSecretFixture(t)

	if _, err := store.Update(ctx, "acc-1", func(a *Account) error {
		a.AddRefreshToken("rt-1")
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	token, err := secrets.IssueResetToken(ctx, "acc-1")
	if err != nil {
		t.Fatalf("IssueResetToken() error = %v", err)
	}

	clock.Advance(9 * time.Minute)
	account, ok, err := secrets.ConsumeResetToken(ctx, token, func(a *Account) error {
		a.PasswordHash = "new-digest"
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("ConsumeResetToken() = %v, %v", ok, err)
	}
	if account.PasswordHash != "new-digest" {
		t.Error("mutator not applied")
	}
	if len(account.RefreshTokens) != 0 {
		t.Error("sessions not revoked")
	}
	if account.ResetTokenHash != "" || account.ResetExpiresAt != nil {
		t.Error("reset secret not cleared")
	}

	if _, ok, err := secrets.ConsumeResetToken(ctx, token); ok || err != nil {
		t.Fatalf("second ConsumeResetToken() = %v, %v; want false, nil", ok, err)
	}
}

func TestConsumeResetTokenExpired(t *testing.T) {
	ctx := context.Background()
	clock, store, secrets := newSecretFixture(t)

	token, _ := secrets.IssueResetToken(ctx, "acc-1")
	clock.Advance(DefaultResetTTL)

	if _, ok, err := secrets.ConsumeResetToken(ctx, token); ok || err != nil {
		t.Fatalf("expired ConsumeResetToken() = %v, %v; want false, nil", ok, err)
	}
	if _, ok, err := secrets.ConsumeResetToken(ctx, "wrong"); ok || err != nil {
		t.Fatalf("wrong ConsumeResetToken() = %v, %v; want false, nil", ok, err)
	}
	if _, ok, err := secrets.ConsumeResetToken(ctx, ""); ok || err != nil {
		t.Fatalf("empty ConsumeResetToken() = %v, %v; want false, nil", ok, err)
	}

	account, _ := store.GetByID(ctx, "acc-1")
	if account.ResetTokenHash == "" {
		t.Fatal("expired secret should stay until reaped or superseded")
	}
}

func TestConsumeResetTokenMutatorError(t *testing.T) {
	ctx := context.Background()
	_, store, secrets := newSecretFixture(t)
	token, _ := secrets.IssueResetToken(ctx, "acc-1")

	boom := errors.New("boom")
	if _, _, err := secrets.ConsumeResetToken(ctx, token, func(*Account) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("ConsumeResetToken() error = %v, want boom", err)
	}
	account, _ := store.GetByID(ctx, "acc-1")
	if account.ResetTokenHash == "" {
		t.Fatal("failed consumption must not clear the secret")
	}
}

func TestConsumeResetTokenRace(t *testing.T) {
	ctx := context.Background()
	_, _, secrets := newSecretFixture(t)
	token, _ := secrets.IssueResetToken(ctx, "acc-1")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := secrets.ConsumeResetToken(ctx, token); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("reset token consumed %d times", wins.Load())
	}
}

func TestConsumeVerificationToken(t *testing.T) {
	ctx := context.Background()
	clock, _, secrets := newSecretFixture(t)

	first, _ := secrets.IssueVerificationToken(ctx, "acc-1")
	second, _ := secrets.IssueVerificationToken(ctx, "acc-1")

	if _, ok, _ := secrets.ConsumeVerificationToken(ctx, first); ok {
		t.Fatal("superseded verification token accepted")
	}

	clock.Advance(time.Hour)
	account, ok, err := secrets.ConsumeVerificationToken(ctx, second)
	if err != nil || !ok {
		t.Fatalf("ConsumeVerificationToken() = %v, %v", ok, err)
	}
	if !account.EmailVerified || account.VerificationTokenHash != "" || account.VerificationExpiresAt != nil {
		t.Fatalf("unexpected account state: %+v", account)
	}
	if _, ok, _ := secrets.ConsumeVerificationToken(ctx, second); ok {
		t.Fatal("verification token accepted twice")
	}
}

func TestVerificationTokenTTL(t *testing.T) {
	ctx := context.Background()

	t.Run("default expiry", func(t *testing.T) {
		clock, _, secrets := newSecretFixture(t)
		token, _ := secrets.IssueVerificationToken(ctx, "acc-1")
		clock.Advance(DefaultVerificationTTL)
		if _, ok, _ := secrets.ConsumeVerificationToken(ctx, token); ok {
			t.Fatal("expired verification token accepted")
		}
	})

	t.Run("zero disables expiry", func(t *testing.T) {
		clock, store, secrets := newSecretFixture(t, WithVerificationTTL(0))
		token, _ := secrets.IssueVerificationToken(ctx, "acc-1")
		if account, _ := store.GetByID(ctx, "acc-1"); account.VerificationExpiresAt != nil {
			t.Fatal("expiry set despite zero TTL")
		}
		clock.Advance(365 * 24 * time.Hour)
		if _, ok, _ := secrets.ConsumeVerificationToken(ctx, token); !ok {
			t.Fatal("non-expiring verification token rejected")
		}
	})
}
