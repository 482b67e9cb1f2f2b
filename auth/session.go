package auth

import (
	"context"
	"errors"
)

// SessionStore manages the refresh-token allowlist kept on each Account.
// Every method is one atomic read-modify-write through AccountStore.Update.
type SessionStore struct {
	accounts AccountStore
}

func NewSessionStore(accounts AccountStore) (*SessionStore, error) {
	if accounts == nil {
		return nil, errors.New("auth: session store requires an account store")
	}
	return &SessionStore{accounts: accounts}, nil
}

// Add appends token, evicting the oldest entries past MaxRefreshTokens.
// Manager.Login applies the same change through Grant inside its own write.
func (s *SessionStore) Add(ctx context.Context, accountID, token string) error {
	_, err := s.accounts.Update(ctx, accountID, s.Grant(token))
	return err
}

// Grant returns the mutation Add applies, for callers that fold it into a
// larger AccountStore.Update.
func (s *SessionStore) Grant(token string) func(*Account) error {
	return func(a *Account) error {
		if token == "" {
			return ErrRefreshTokenInvalid
		}
		a.AddRefreshToken(token)
		return nil
	}
}

// Remove drops token from the allowlist. Removing an absent token is not an
// error.
func (s *SessionStore) Remove(ctx context.Context, accountID, token string) error {
	_, err := s.accounts.Update(ctx, accountID, func(a *Account) error {
		a.RemoveRefreshToken(token)
		return nil
	})
	return err
}

// RevokeAll clears every refresh token for the account.
func (s *SessionStore) RevokeAll(ctx context.Context, accountID string) error {
	_, err := s.accounts.Update(ctx, accountID, func(a *Account) error {
		a.RevokeRefreshTokens()
		return nil
	})
	return err
}

// Contains reports whether token is currently allowlisted. The manager's
// flows check membership inside Rotate and Remove instead; Contains serves
// callers that inspect sessions without changing them.
func (s *SessionStore) Contains(ctx context.Context, accountID, token string) (bool, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	return account.HasRefreshToken(token), nil
}

// Rotate replaces current with next only if current is still allowlisted.
// Two concurrent rotations of the same token cannot both succeed.
func (s *SessionStore) Rotate(ctx context.Context, accountID, current, next string) (Account, error) {
	if next == "" {
		return Account{}, ErrRefreshTokenInvalid
	}
	return s.accounts.Update(ctx, accountID, func(a *Account) error {
		if !a.RemoveRefreshToken(current) {
			return ErrRefreshTokenInvalid
		}
		a.AddRefreshToken(next)
		return nil
	})
}
