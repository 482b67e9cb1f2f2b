package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	secretTokenBytes = 32

	DefaultResetTTL        = 10 * time.Minute
	DefaultVerificationTTL = 24 * time.Hour
)

// SecretTokenManager issues and consumes the single-use secrets behind
// password reset and email verification. Only the SHA-256 digest of a secret
// is persisted; the plaintext goes to the caller for out-of-band delivery.
type SecretTokenManager struct {
	accounts        AccountStore
	resetTTL        time.Duration
	verificationTTL time.Duration
	now             func() time.Time
	random          io.Reader
}

type SecretOption func(*SecretTokenManager)

func WithResetTTL(d time.Duration) SecretOption {
	return func(m *SecretTokenManager) {
		if d > 0 {
			m.resetTTL = d
		}
	}
}

// WithVerificationTTL sets the verification window; zero disables expiry.
func WithVerificationTTL(d time.Duration) SecretOption {
	return func(m *SecretTokenManager) {
		if d >= 0 {
			m.verificationTTL = d
		}
	}
}

func WithSecretClock(now func() time.Time) SecretOption {
	return func(m *SecretTokenManager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewSecretTokenManager(accounts AccountStore, opts ...SecretOption) (*SecretTokenManager, error) {
	if accounts == nil {
		return nil, errors.New("auth: secret token manager requires an account store")
	}
	m := &SecretTokenManager{
		accounts:        accounts,
		resetTTL:        DefaultResetTTL,
		verificationTTL: DefaultVerificationTTL,
		now:             time.Now,
		random:          rand.Reader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// HashSecret returns the hex SHA-256 digest under which a secret is stored.
func HashSecret(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func (m *SecretTokenManager) generate() (string, error) {
	buf := make([]byte, secretTokenBytes)
	if _, err := io.ReadFull(m.random, buf); err != nil {
		return "", fmt.Errorf("auth: generate secret token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IssueResetToken replaces any pending reset secret with a new one that
// expires after the reset TTL.
func (m *SecretTokenManager) IssueResetToken(ctx context.Context, accountID string) (string, error) {
	plain, err := m.generate()
	if err != nil {
		return "", err
	}
	digest := HashSecret(plain)
	expires := m.now().Add(m.resetTTL)
	if _, err := m.accounts.Update(ctx, accountID, func(a *Account) error {
		a.ResetTokenHash = digest
		a.ResetExpiresAt = timePtr(expires)
		return nil
	}); err != nil {
		return "", err
	}
	return plain, nil
}

// IssueVerificationToken replaces any pending verification secret.
func (m *SecretTokenManager) IssueVerificationToken(ctx context.Context, accountID string) (string, error) {
	plain, err := m.generate()
	if err != nil {
		return "", err
	}
	digest := HashSecret(plain)
	var expires *time.Time
	if m.verificationTTL > 0 {
		expires = timePtr(m.now().Add(m.verificationTTL))
	}
	if _, err := m.accounts.Update(ctx, accountID, func(a *Account) error {
		a.VerificationTokenHash = digest
		a.VerificationExpiresAt = expires
		return nil
	}); err != nil {
		return "", err
	}
	return plain, nil
}

// ConsumeResetToken redeems a reset secret. On success the secret is cleared,
// every refresh token is revoked and each mutate function is applied, all in
// one write. A wrong or expired secret yields ok == false with a nil error;
// the two cases are deliberately indistinguishable.
func (m *SecretTokenManager) ConsumeResetToken(ctx context.Context, plaintext string, mutate ...func(*Account) error) (Account, bool, error) {
	return m.consume(ctx, SecretReset, plaintext, func(a *Account, now time.Time) bool {
		if a.ResetTokenHash == "" || a.ResetExpiresAt == nil || !a.ResetExpiresAt.After(now) {
			return false
		}
		return SecureCompare(a.ResetTokenHash, HashSecret(plaintext))
	}, func(a *Account) error {
		a.clearReset()
		a.RevokeRefreshTokens()
		for _, fn := range mutate {
			if fn == nil {
				continue
			}
			if err := fn(a); err != nil {
				return err
			}
		}
		return nil
	})
}

// ConsumeVerificationToken redeems a verification secret and marks the email
// verified.
func (m *SecretTokenManager) ConsumeVerificationToken(ctx context.Context, plaintext string) (Account, bool, error) {
	return m.consume(ctx, SecretVerification, plaintext, func(a *Account, now time.Time) bool {
		if a.VerificationTokenHash == "" {
			return false
		}
		if a.VerificationExpiresAt != nil && !a.VerificationExpiresAt.After(now) {
			return false
		}
		return SecureCompare(a.VerificationTokenHash, HashSecret(plaintext))
	}, func(a *Account) error {
		a.clearVerification()
		a.EmailVerified = true
		return nil
	})
}

var errSecretMismatch = errors.New("auth: secret no longer matches")

func (m *SecretTokenManager) consume(
	ctx context.Context,
	purpose SecretPurpose,
	plaintext string,
	valid func(*Account, time.Time) bool,
	apply func(*Account) error,
) (Account, bool, error) {
	if plaintext == "" {
		return Account{}, false, nil
	}
	candidate, err := m.accounts.GetBySecretHash(ctx, purpose, HashSecret(plaintext))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, false, nil
		}
		return Account{}, false, err
	}

	now := m.now()
	updated, err := m.accounts.Update(ctx, candidate.ID, func(a *Account) error {
		// Re-check inside the write so a concurrent consumer loses.
		if !valid(a, now) {
			return errSecretMismatch
		}
		return apply(a)
	})
	switch {
	case err == nil:
		return updated, true, nil
	case errors.Is(err, errSecretMismatch), errors.Is(err, ErrAccountNotFound):
		return Account{}, false, nil
	default:
		return Account{}, false, err
	}
}
