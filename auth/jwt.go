package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// MinSecretLength is the minimum size of each HMAC signing secret.
	MinSecretLength = 32

	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "go-rakh-auth"
	DefaultAudience   = "go-rakh-app"
)

var (
	ErrWeakSecret   = errors.New("auth: signing secrets must be at least 32 bytes")
	ErrSharedSecret = errors.New("auth: access and refresh secrets must differ")
)

// TokenIssuer signs and verifies HS256 access and refresh tokens. The two
// token classes use independent secrets so a leaked key of one class cannot
// forge the other.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	audience      string
	leeway        time.Duration
	now           func() time.Time
}

// TokenIssuerOption configures TokenIssuer.
type TokenIssuerOption func(*TokenIssuer)

func WithAccessTTL(d time.Duration) TokenIssuerOption {
	return func(i *TokenIssuer) {
		if d > 0 {
			i.accessTTL = d
		}
	}
}

func WithRefreshTTL(d time.Duration) TokenIssuerOption {
	return func(i *TokenIssuer) {
		if d > 0 {
			i.refreshTTL = d
		}
	}
}

func WithIssuer(issuer string) TokenIssuerOption {
	return func(i *TokenIssuer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			i.issuer = issuer
		}
	}
}

func WithAudience(audience string) TokenIssuerOption {
	return func(i *TokenIssuer) {
		if audience = strings.TrimSpace(audience); audience != "" {
			i.audience = audience
		}
	}
}

// WithLeeway tolerates clock skew on exp/nbf/iat; capped at two minutes.
func WithLeeway(d time.Duration) TokenIssuerOption {
	return func(i *TokenIssuer) {
		if d >= 0 && d <= 2*time.Minute {
			i.leeway = d
		}
	}
}

// WithTokenClock overrides the time source used for issuing and verifying.
func WithTokenClock(now func() time.Time) TokenIssuerOption {
	return func(i *TokenIssuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewTokenIssuer validates the secrets and returns an issuer.
func NewTokenIssuer(accessSecret, refreshSecret []byte, opts ...TokenIssuerOption) (*TokenIssuer, error) {
	if len(accessSecret) < MinSecretLength || len(refreshSecret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if SecureCompare(string(accessSecret), string(refreshSecret)) {
		return nil, ErrSharedSecret
	}
	i := &TokenIssuer{
		accessSecret:  append([]byte(nil), accessSecret...),
		refreshSecret: append([]byte(nil), refreshSecret...),
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
		issuer:        DefaultIssuer,
		audience:      DefaultAudience,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i, nil
}

type tokenClaims struct {
	Email string    `json:"email,omitempty"`
	Type  TokenType `json:"type"`
	jwt.RegisteredClaims
}

// IssueAccess signs a short-lived access token for subject.
func (i *TokenIssuer) IssueAccess(ctx context.Context, subject, email string) (string, error) {
	return i.issue(ctx, TokenTypeAccess, subject, email)
}

// IssueRefresh signs a long-lived refresh token for subject.
func (i *TokenIssuer) IssueRefresh(ctx context.Context, subject, email string) (string, error) {
	return i.issue(ctx, TokenTypeRefresh, subject, email)
}

// IssuePair signs an access and a refresh token.
func (i *TokenIssuer) IssuePair(ctx context.Context, subject, email string) (TokenPair, error) {
	access, err := i.IssueAccess(ctx, subject, email)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := i.IssueRefresh(ctx, subject, email)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifyAccess checks signature, expiry, issuer, audience and type.
func (i *TokenIssuer) VerifyAccess(ctx context.Context, raw string) (Claims, error) {
	return i.verify(ctx, raw, TokenTypeAccess)
}

// VerifyRefresh is VerifyAccess for refresh tokens.
func (i *TokenIssuer) VerifyRefresh(ctx context.Context, raw string) (Claims, error) {
	return i.verify(ctx, raw, TokenTypeRefresh)
}

func (i *TokenIssuer) issue(ctx context.Context, typ TokenType, subject, email string) (string, error) {
	if err := contextError(ctx); err != nil {
		return "", err
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("auth: token subject is required")
	}

	secret, ttl := i.accessSecret, i.accessTTL
	if typ == TokenTypeRefresh {
		secret, ttl = i.refreshSecret, i.refreshTTL
	}

	now := i.now()
	claims := tokenClaims{
		Email: email,
		Type:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", WrapError(KindInternal, "failed to sign token", err)
	}
	return signed, nil
}

func (i *TokenIssuer) verify(ctx context.Context, raw string, want TokenType) (Claims, error) {
	if err := contextError(ctx); err != nil {
		return Claims{}, err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrTokenInvalid
	}

	secret := i.accessSecret
	if want == TokenTypeRefresh {
		secret = i.refreshSecret
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(i.leeway),
		jwt.WithTimeFunc(i.now),
	)

	var tc tokenClaims
	token, err := parser.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, WrapError(KindUnauthenticated, ErrTokenExpired.Message, err)
		}
		return Claims{}, WrapError(KindUnauthenticated, ErrTokenInvalid.Message, err)
	}
	if !token.Valid || tc.Type != want || tc.Subject == "" {
		return Claims{}, ErrTokenInvalid
	}

	claims := Claims{
		ID:      tc.ID,
		Subject: tc.Subject,
		Email:   tc.Email,
		Type:    tc.Type,
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

// ExtractBearer parses an Authorization header value of the form
// "Bearer <token>". It returns false for absent or malformed values.
func ExtractBearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
