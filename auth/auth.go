package auth

import (
	"context"
	"time"
)

// TokenType discriminates access and refresh JWTs.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the verified payload of an access or refresh token.
type Claims struct {
	ID        string
	Subject   string
	Email     string
	Type      TokenType
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair is returned by every flow that signs a caller in.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// SecretPurpose selects which single-use secret a lookup targets.
type SecretPurpose string

const (
	SecretReset        SecretPurpose = "reset"
	SecretVerification SecretPurpose = "verification"
)

// AccountStore persists accounts. Update is the only mutation path after
// Create: implementations must run fn against the current record and persist
// the result as one atomic read-modify-write, and must not persist anything
// when fn returns an error.
type AccountStore interface {
	Create(ctx context.Context, account Account) error
	GetByID(ctx context.Context, id string) (Account, error)
	GetByEmail(ctx context.Context, email string) (Account, error)
	GetBySecretHash(ctx context.Context, purpose SecretPurpose, hash string) (Account, error)
	Update(ctx context.Context, id string, fn func(*Account) error) (Account, error)
	ClearExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
}

// PasswordHasher hashes and verifies credentials.
type PasswordHasher interface {
	Hash(ctx context.Context, plain []byte) (string, error)
	Verify(ctx context.Context, plain []byte, digest string) (bool, error)
}

// Notifier delivers single-use secrets out-of-band (email, SMS, etc.).
type Notifier interface {
	SendPasswordReset(ctx context.Context, account Profile, token string) error
	SendEmailVerification(ctx context.Context, account Profile, token string) error
}
