package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Manager implements the account flows on top of the stores, the token
// issuer and the secret and lockout components.
type Manager struct {
	accounts AccountStore
	tokens   *TokenIssuer
	hasher   PasswordHasher
	policy   PasswordPolicy
	sessions *SessionStore
	lockout  *LockoutGuard
	secrets  *SecretTokenManager
	notifier Notifier
	limiter  *Limiter
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// ManagerConfig wires the dependencies required for Manager. Accounts and
// Tokens are mandatory; everything else has a default.
type ManagerConfig struct {
	Accounts       AccountStore
	Tokens         *TokenIssuer
	Hasher         PasswordHasher
	Policy         *PasswordPolicy
	Notifier       Notifier
	Limiter        *Limiter
	LockoutOptions []LockoutOption
	SecretOptions  []SecretOption
	Logger         *slog.Logger
	Now            func() time.Time
	NewID          func() string
}

// RegisterInput carries the fields accepted at sign-up.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// AuthResult is returned by the flows that sign a caller in.
type AuthResult struct {
	Account Profile   `json:"user"`
	Tokens  TokenPair `json:"tokens"`
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Accounts == nil {
		return nil, errors.New("auth: manager requires an account store")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("auth: manager requires a token issuer")
	}

	m := &Manager{
		accounts: cfg.Accounts,
		tokens:   cfg.Tokens,
		hasher:   cfg.Hasher,
		policy:   DefaultPasswordPolicy(),
		notifier: cfg.Notifier,
		limiter:  cfg.Limiter,
		logger:   cfg.Logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
	if cfg.Policy != nil {
		m.policy = *cfg.Policy
	}
	if m.hasher == nil {
		m.hasher = NewBcryptHasher()
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}

	var err error
	if m.sessions, err = NewSessionStore(cfg.Accounts); err != nil {
		return nil, err
	}
	lockoutOpts := append([]LockoutOption{WithLockoutClock(m.now)}, cfg.LockoutOptions...)
	if m.lockout, err = NewLockoutGuard(cfg.Accounts, lockoutOpts...); err != nil {
		return nil, err
	}
	secretOpts := append([]SecretOption{WithSecretClock(m.now)}, cfg.SecretOptions...)
	if m.secrets, err = NewSecretTokenManager(cfg.Accounts, secretOpts...); err != nil {
		return nil, err
	}
	return m, nil
}

// NewGate builds a Gate that shares the manager's issuer, store and clock.
func (m *Manager) NewGate(opts ...MiddlewareOption) (*Gate, error) {
	opts = append([]MiddlewareOption{WithMiddlewareLogger(m.logger)}, opts...)
	g, err := NewGate(m.tokens, m.accounts, opts...)
	if err != nil {
		return nil, err
	}
	g.now = m.now
	return g, nil
}

// Register creates an account, signs it in and sends an email verification
// secret.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	if err := ValidatePassword([]byte(in.Password), m.policy); err != nil {
		return AuthResult{}, err
	}
	account, err := NewAccount(m.newID(), in.Email, in.FirstName, in.LastName, "", m.now())
	if err != nil {
		return AuthResult{}, err
	}
	if _, err := m.accounts.GetByEmail(ctx, account.Email); err == nil {
		return AuthResult{}, ErrEmailTaken
	} else if !errors.Is(err, ErrAccountNotFound) {
		return AuthResult{}, err
	}

	if account.PasswordHash, err = m.hasher.Hash(ctx, []byte(in.Password)); err != nil {
		return AuthResult{}, err
	}

	pair, err := m.tokens.IssuePair(ctx, account.ID, account.Email)
	if err != nil {
		return AuthResult{}, err
	}
	account.AddRefreshToken(pair.RefreshToken)

	if err := m.accounts.Create(ctx, account); err != nil {
		return AuthResult{}, err
	}
	m.logger.Info("account registered", slog.String("account_id", account.ID))

	m.sendVerification(ctx, account)

	return AuthResult{Account: account.Profile(), Tokens: pair}, nil
}

func (m *Manager) sendVerification(ctx context.Context, account Account) {
	token, err := m.secrets.IssueVerificationToken(ctx, account.ID)
	if err != nil {
		m.logger.Error("issue verification token",
			slog.String("account_id", account.ID), slog.String("error", err.Error()))
		return
	}
	if err := m.notifier.SendEmailVerification(ctx, account.Profile(), token); err != nil {
		m.logger.Warn("send verification email",
			slog.String("account_id", account.ID), slog.String("error", err.Error()))
	}
}

// Login checks credentials and signs the caller in. Unknown emails and wrong
// passwords both yield ErrInvalidCredentials; a locked account yields
// ErrAccountLocked even when the password is right.
func (m *Manager) Login(ctx context.Context, email, password string) (AuthResult, error) {
	email = NormalizeEmail(email)
	if err := m.limiter.Allow(ctx, "login", email); err != nil {
		return AuthResult{}, err
	}

	account, err := m.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, err
	}
	if m.lockout.IsLocked(account) {
		return AuthResult{}, ErrAccountLocked
	}

	ok, err := m.hasher.Verify(ctx, []byte(password), account.PasswordHash)
	if err != nil {
		return AuthResult{}, err
	}
	if !ok {
		updated, err := m.lockout.RecordFailure(ctx, account.ID)
		if err != nil {
			return AuthResult{}, err
		}
		if updated.IsLocked(m.now()) {
			m.logger.Warn("account locked after failed logins",
				slog.String("account_id", account.ID),
				slog.Int("failed_logins", updated.FailedLoginCount))
		}
		return AuthResult{}, ErrInvalidCredentials
	}

	rehash := ""
	if r, ok := m.hasher.(interface{ NeedsRehash(string) bool }); ok && r.NeedsRehash(account.PasswordHash) {
		if rehash, err = m.hasher.Hash(ctx, []byte(password)); err != nil {
			return AuthResult{}, err
		}
	}

	pair, err := m.tokens.IssuePair(ctx, account.ID, account.Email)
	if err != nil {
		return AuthResult{}, err
	}
	now := m.now()
	updated, err := m.lockout.RecordSuccess(ctx, account.ID, m.sessions.Grant(pair.RefreshToken), func(a *Account) error {
		a.LastLoginAt = timePtr(now)
		if rehash != "" && a.PasswordHash == account.PasswordHash {
			a.PasswordHash = rehash
		}
		return nil
	})
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Account: updated.Profile(), Tokens: pair}, nil
}

// Refresh rotates a refresh token: the presented token is removed and a new
// pair is issued. Replaying a rotated token fails.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, ErrRefreshRequired
	}
	claims, err := m.tokens.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, WrapError(KindUnauthenticated, ErrRefreshTokenInvalid.Message, err)
	}
	account, err := m.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return TokenPair{}, ErrRefreshTokenInvalid
		}
		return TokenPair{}, err
	}

	pair, err := m.tokens.IssuePair(ctx, account.ID, account.Email)
	if err != nil {
		return TokenPair{}, err
	}
	if _, err := m.sessions.Rotate(ctx, account.ID, refreshToken, pair.RefreshToken); err != nil {
		if errors.Is(err, ErrRefreshTokenInvalid) || errors.Is(err, ErrAccountNotFound) {
			m.logger.Warn("refresh token rejected", slog.String("account_id", account.ID))
			return TokenPair{}, ErrRefreshTokenInvalid
		}
		return TokenPair{}, err
	}
	return pair, nil
}

// Logout revokes one refresh token. An empty or unknown token is a no-op.
func (m *Manager) Logout(ctx context.Context, accountID, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return m.translateMissing(m.sessions.Remove(ctx, accountID, refreshToken))
}

// LogoutAll revokes every refresh token of the account.
func (m *Manager) LogoutAll(ctx context.Context, accountID string) error {
	return m.translateMissing(m.sessions.RevokeAll(ctx, accountID))
}

// ChangePassword verifies the current password, stores the new one and
// revokes every session.
func (m *Manager) ChangePassword(ctx context.Context, accountID, current, next string) error {
	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return m.translateMissing(err)
	}
	ok, err := m.hasher.Verify(ctx, []byte(current), account.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCurrentPassword
	}
	if err := ValidatePassword([]byte(next), m.policy); err != nil {
		return err
	}
	digest, err := m.hasher.Hash(ctx, []byte(next))
	if err != nil {
		return err
	}
	_, err = m.accounts.Update(ctx, accountID, func(a *Account) error {
		if a.PasswordHash != account.PasswordHash {
			return ErrCurrentPassword
		}
		a.PasswordHash = digest
		a.RevokeRefreshTokens()
		return nil
	})
	if err != nil {
		return m.translateMissing(err)
	}
	m.logger.Info("password changed", slog.String("account_id", accountID))
	return nil
}

// ForgotPassword issues and delivers a reset secret when the email belongs
// to an account. The result never reveals whether it does.
func (m *Manager) ForgotPassword(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := m.limiter.Allow(ctx, "forgot-password", email); err != nil {
		return err
	}
	account, err := m.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		return err
	}

	token, err := m.secrets.IssueResetToken(ctx, account.ID)
	if err != nil {
		return err
	}
	m.logger.Info("password reset issued", slog.String("account_id", account.ID))

	if err := m.notifier.SendPasswordReset(ctx, account.Profile(), token); err != nil {
		m.logger.Error("send password reset",
			slog.String("account_id", account.ID), slog.String("error", err.Error()))
		// Only clear our own secret; a concurrent request may have replaced it.
		issued := HashSecret(token)
		if _, cerr := m.accounts.Update(ctx, account.ID, func(a *Account) error {
			if SecureCompare(a.ResetTokenHash, issued) {
				a.clearReset()
			}
			return nil
		}); cerr != nil {
			m.logger.Error("clear undelivered reset token",
				slog.String("account_id", account.ID), slog.String("error", cerr.Error()))
		}
	}
	return nil
}

// ResetPassword redeems a reset secret and sets a new password. All refresh
// tokens are revoked in the same write.
func (m *Manager) ResetPassword(ctx context.Context, token, password string) error {
	if err := ValidatePassword([]byte(password), m.policy); err != nil {
		return err
	}
	digest, err := m.hasher.Hash(ctx, []byte(password))
	if err != nil {
		return err
	}
	account, ok, err := m.secrets.ConsumeResetToken(ctx, token, func(a *Account) error {
		a.PasswordHash = digest
		return nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrResetTokenInvalid
	}
	m.logger.Info("password reset", slog.String("account_id", account.ID))
	return nil
}

// VerifyEmail redeems a verification secret.
func (m *Manager) VerifyEmail(ctx context.Context, token string) (Profile, error) {
	account, ok, err := m.secrets.ConsumeVerificationToken(ctx, token)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		return Profile{}, ErrVerificationInvalid
	}
	return account.Profile(), nil
}

// ResendVerification issues a fresh verification secret for an unverified
// account and delivers it.
func (m *Manager) ResendVerification(ctx context.Context, accountID string) error {
	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return m.translateMissing(err)
	}
	if account.EmailVerified {
		return ErrAlreadyVerified
	}
	if err := m.limiter.Allow(ctx, "resend-verification", account.Email); err != nil {
		return err
	}
	token, err := m.secrets.IssueVerificationToken(ctx, account.ID)
	if err != nil {
		return err
	}
	if err := m.notifier.SendEmailVerification(ctx, account.Profile(), token); err != nil {
		return WrapError(KindInternal, "verification email could not be sent", err)
	}
	return nil
}

// Profile returns the sanitized account.
func (m *Manager) Profile(ctx context.Context, accountID string) (Profile, error) {
	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return Profile{}, m.translateMissing(err)
	}
	return account.Profile(), nil
}

// translateMissing hides store-level not-found errors behind the generic
// subject error.
func (m *Manager) translateMissing(err error) error {
	if errors.Is(err, ErrAccountNotFound) {
		return ErrSubjectNotFound
	}
	return err
}

type nopNotifier struct{}

func (nopNotifier) SendPasswordReset(context.Context, Profile, string) error     { return nil }
func (nopNotifier) SendEmailVerification(context.Context, Profile, string) error { return nil }
