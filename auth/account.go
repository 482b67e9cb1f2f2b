package auth

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxRefreshTokens bounds the per-account refresh allowlist.
	MaxRefreshTokens = 5

	DefaultMaxFailedLogins = 5
	DefaultLockDuration    = 2 * time.Hour

	maxNameLength = 50
)

// Account models the credential record persisted inside the chosen datastore.
// It is never serialized to clients; use Profile for that.
type Account struct {
	ID        string
	Email     string
	FirstName string
	LastName  string

	PasswordHash string

	EmailVerified         bool
	VerificationTokenHash string
	VerificationExpiresAt *time.Time

	ResetTokenHash string
	ResetExpiresAt *time.Time

	RefreshTokens []string

	FailedLoginCount int
	LockedUntil      *time.Time

	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Profile is the sanitized view of an Account: no credential hash, refresh
// tokens, secret digests or lockout counters.
type Profile struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	FirstName     string     `json:"firstName"`
	LastName      string     `json:"lastName"`
	EmailVerified bool       `json:"isEmailVerified"`
	LastLoginAt   *time.Time `json:"lastLogin,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// NormalizeEmail trims and lower-cases an address; all lookups key on the
// normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewAccount validates identity fields and returns a fresh account.
func NewAccount(id, email, firstName, lastName, passwordHash string, now time.Time) (Account, error) {
	email = NormalizeEmail(email)
	if !ValidateEmail(email) {
		return Account{}, ErrInvalidEmail
	}
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if !validName(firstName) || !validName(lastName) {
		return Account{}, ErrInvalidName
	}
	return Account{
		ID:           id,
		Email:        email,
		FirstName:    firstName,
		LastName:     lastName,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func validName(name string) bool {
	n := utf8.RuneCountInString(name)
	return n > 0 && n <= maxNameLength
}

// Profile returns the client-safe projection.
func (a Account) Profile() Profile {
	return Profile{
		ID:            a.ID,
		Email:         a.Email,
		FirstName:     a.FirstName,
		LastName:      a.LastName,
		EmailVerified: a.EmailVerified,
		LastLoginAt:   cloneTime(a.LastLoginAt),
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

// AddRefreshToken appends token and evicts the oldest entries beyond
// MaxRefreshTokens.
func (a *Account) AddRefreshToken(token string) {
	a.RefreshTokens = append(a.RefreshTokens, token)
	if over := len(a.RefreshTokens) - MaxRefreshTokens; over > 0 {
		a.RefreshTokens = append([]string(nil), a.RefreshTokens[over:]...)
	}
}

// RemoveRefreshToken drops every occurrence of token and reports whether
// anything was removed.
func (a *Account) RemoveRefreshToken(token string) bool {
	kept := a.RefreshTokens[:0]
	removed := false
	for _, t := range a.RefreshTokens {
		if SecureCompare(t, token) {
			removed = true
			continue
		}
		kept = append(kept, t)
	}
	a.RefreshTokens = kept
	return removed
}

// RevokeRefreshTokens clears the allowlist.
func (a *Account) RevokeRefreshTokens() {
	a.RefreshTokens = nil
}

// HasRefreshToken reports allowlist membership.
func (a Account) HasRefreshToken(token string) bool {
	if token == "" {
		return false
	}
	for _, t := range a.RefreshTokens {
		if SecureCompare(t, token) {
			return true
		}
	}
	return false
}

// IsLocked is true iff LockedUntil is set and after now.
func (a Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && a.LockedUntil.After(now)
}

// registerFailure applies one failed password check. An expired lock starts
// a fresh window at 1. Returns true when this failure locked the account.
func (a *Account) registerFailure(now time.Time, threshold int, lockFor time.Duration) bool {
	if a.LockedUntil != nil && !a.LockedUntil.After(now) {
		a.LockedUntil = nil
		a.FailedLoginCount = 1
		return false
	}
	a.FailedLoginCount++
	if a.FailedLoginCount >= threshold && !a.IsLocked(now) {
		until := now.Add(lockFor)
		a.LockedUntil = &until
		return true
	}
	return false
}

func (a *Account) clearFailures() {
	a.FailedLoginCount = 0
	a.LockedUntil = nil
}

func (a *Account) clearReset() {
	a.ResetTokenHash = ""
	a.ResetExpiresAt = nil
}

func (a *Account) clearVerification() {
	a.VerificationTokenHash = ""
	a.VerificationExpiresAt = nil
}

// Clone returns a deep copy; stores hand out clones so callers never alias
// persisted state.
func (a Account) Clone() Account {
	out := a
	if a.RefreshTokens != nil {
		out.RefreshTokens = append([]string(nil), a.RefreshTokens...)
	}
	out.VerificationExpiresAt = cloneTime(a.VerificationExpiresAt)
	out.ResetExpiresAt = cloneTime(a.ResetExpiresAt)
	out.LockedUntil = cloneTime(a.LockedUntil)
	out.LastLoginAt = cloneTime(a.LastLoginAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
