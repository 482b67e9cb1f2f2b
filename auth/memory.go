package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-process AccountStore. A single mutex serializes every
// mutation, which makes Update trivially atomic.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Account
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Account),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, account Account) error {
	if err := contextError(ctx); err != nil {
		return err
	}
	if account.ID == "" {
		return errors.New("auth: account id is required")
	}
	email := NormalizeEmail(account.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return ErrEmailTaken
	}
	if _, ok := s.byID[account.ID]; ok {
		return errors.New("auth: duplicate account id")
	}
	account.Email = email
	s.byID[account.ID] = account.Clone()
	s.byEmail[email] = account.ID
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (Account, error) {
	if err := contextError(ctx); err != nil {
		return Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account.Clone(), nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (Account, error) {
	if err := contextError(ctx); err != nil {
		return Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) GetBySecretHash(ctx context.Context, purpose SecretPurpose, hash string) (Account, error) {
	if err := contextError(ctx); err != nil {
		return Account{}, err
	}
	if hash == "" {
		return Account{}, ErrAccountNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, account := range s.byID {
		var stored string
		switch purpose {
		case SecretReset:
			stored = account.ResetTokenHash
		case SecretVerification:
			stored = account.VerificationTokenHash
		}
		if stored != "" && stored == hash {
			return account.Clone(), nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Account) error) (Account, error) {
	if err := contextError(ctx); err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return Account{}, err
	}
	next.ID = current.ID
	next.Email = NormalizeEmail(next.Email)
	if next.Email != current.Email {
		if _, taken := s.byEmail[next.Email]; taken {
			return Account{}, ErrEmailTaken
		}
		delete(s.byEmail, current.Email)
		s.byEmail[next.Email] = next.ID
	}
	next.UpdatedAt = s.now()
	s.byID[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ClearExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	if err := contextError(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int64
	for id, account := range s.byID {
		if account.ResetExpiresAt == nil || account.ResetExpiresAt.After(now) {
			continue
		}
		account.clearReset()
		s.byID[id] = account
		cleared++
	}
	return cleared, nil
}
