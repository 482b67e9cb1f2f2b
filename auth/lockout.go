package auth

import (
	"context"
	"errors"
	"time"
)

// LockoutGuard tracks consecutive failed logins per account. Expiry is lazy:
// a lock is simply ignored once LockedUntil has passed.
type LockoutGuard struct {
	accounts  AccountStore
	threshold int
	duration  time.Duration
	now       func() time.Time
}

type LockoutOption func(*LockoutGuard)

// WithLockoutThreshold sets how many consecutive failures lock the account.
func WithLockoutThreshold(n int) LockoutOption {
	return func(g *LockoutGuard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// WithLockoutDuration sets how long a lock lasts.
func WithLockoutDuration(d time.Duration) LockoutOption {
	return func(g *LockoutGuard) {
		if d > 0 {
			g.duration = d
		}
	}
}

func WithLockoutClock(now func() time.Time) LockoutOption {
	return func(g *LockoutGuard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewLockoutGuard(accounts AccountStore, opts ...LockoutOption) (*LockoutGuard, error) {
	if accounts == nil {
		return nil, errors.New("auth: lockout guard requires an account store")
	}
	g := &LockoutGuard{
		accounts:  accounts,
		threshold: DefaultMaxFailedLogins,
		duration:  DefaultLockDuration,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// RecordFailure counts one failed password check and locks the account when
// the threshold is reached. The returned account reflects the persisted state.
func (g *LockoutGuard) RecordFailure(ctx context.Context, accountID string) (Account, error) {
	now := g.now()
	return g.accounts.Update(ctx, accountID, func(a *Account) error {
		a.registerFailure(now, g.threshold, g.duration)
		return nil
	})
}

// RecordSuccess clears the failure counter and any lock, then applies also
// in the same write. It fails with ErrAccountLocked if a lock is still in
// force when the write lands.
func (g *LockoutGuard) RecordSuccess(ctx context.Context, accountID string, also ...func(*Account) error) (Account, error) {
	now := g.now()
	return g.accounts.Update(ctx, accountID, func(a *Account) error {
		if a.IsLocked(now) {
			return ErrAccountLocked
		}
		a.clearFailures()
		for _, fn := range also {
			if err := fn(a); err != nil {
				return err
			}
		}
		return nil
	})
}

// IsLocked evaluates the lock against the guard's clock.
func (g *LockoutGuard) IsLocked(account Account) bool {
	return account.IsLocked(g.now())
}
