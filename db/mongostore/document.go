package mongostore

import (
	"time"

	"github.com/adeilh/go-rakh-auth/auth"
)

type accountDocument struct {
	ID        string `bson:"_id"`
	Email     string `bson:"email"`
	FirstName string `bson:"firstName"`
	LastName  string `bson:"lastName"`

	PasswordHash string `bson:"passwordHash"`

	EmailVerified         bool       `bson:"isEmailVerified"`
	VerificationTokenHash string     `bson:"verificationTokenHash"`
	VerificationExpiresAt *time.Time `bson:"verificationExpiresAt"`

	ResetTokenHash string     `bson:"resetTokenHash"`
	ResetExpiresAt *time.Time `bson:"resetExpiresAt"`

	RefreshTokens []string `bson:"refreshTokens"`

	FailedLoginCount int        `bson:"loginAttempts"`
	LockedUntil      *time.Time `bson:"lockUntil"`

	LastLoginAt *time.Time `bson:"lastLogin"`
	CreatedAt   time.Time  `bson:"createdAt"`
	UpdatedAt   time.Time  `bson:"updatedAt"`

	Version int64 `bson:"version"`
}

func fromAccount(a auth.Account) accountDocument {
	tokens := a.RefreshTokens
	if tokens == nil {
		tokens = []string{}
	}
	return accountDocument{
		ID:                    a.ID,
		Email:                 a.Email,
		FirstName:             a.FirstName,
		LastName:              a.LastName,
		PasswordHash:          a.PasswordHash,
		EmailVerified:         a.EmailVerified,
		VerificationTokenHash: a.VerificationTokenHash,
		VerificationExpiresAt: utcPtr(a.VerificationExpiresAt),
		ResetTokenHash:        a.ResetTokenHash,
		ResetExpiresAt:        utcPtr(a.ResetExpiresAt),
		RefreshTokens:         tokens,
		FailedLoginCount:      a.FailedLoginCount,
		LockedUntil:           utcPtr(a.LockedUntil),
		LastLoginAt:           utcPtr(a.LastLoginAt),
		CreatedAt:             a.CreatedAt.UTC(),
		UpdatedAt:             a.UpdatedAt.UTC(),
	}
}

func (d accountDocument) account() auth.Account {
	var tokens []string
	if len(d.RefreshTokens) > 0 {
		tokens = append(tokens, d.RefreshTokens...)
	}
	return auth.Account{
		ID:                    d.ID,
		Email:                 d.Email,
		FirstName:             d.FirstName,
		LastName:              d.LastName,
		PasswordHash:          d.PasswordHash,
		EmailVerified:         d.EmailVerified,
		VerificationTokenHash: d.VerificationTokenHash,
		VerificationExpiresAt: utcPtr(d.VerificationExpiresAt),
		ResetTokenHash:        d.ResetTokenHash,
		ResetExpiresAt:        utcPtr(d.ResetExpiresAt),
		RefreshTokens:         tokens,
		FailedLoginCount:      d.FailedLoginCount,
		LockedUntil:           utcPtr(d.LockedUntil),
		LastLoginAt:           utcPtr(d.LastLoginAt),
		CreatedAt:             d.CreatedAt.UTC(),
		UpdatedAt:             d.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
