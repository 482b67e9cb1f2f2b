package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Gate authenticates requests: extract the bearer token, verify it, load
// the account, refuse locked accounts and attach the sanitized principal.
type Gate struct {
	verifier     AccessVerifier
	accounts     AccountStore
	extractor    TokenExtractor
	skipper      MiddlewareSkipper
	errorHandler MiddlewareErrorHandler
	logger       *slog.Logger
	now          func() time.Time
}

type principalKey struct{}

func NewGate(verifier AccessVerifier, accounts AccountStore, opts ...MiddlewareOption) (*Gate, error) {
	if verifier == nil {
		return nil, errors.New("auth: gate requires an access verifier")
	}
	if accounts == nil {
		return nil, errors.New("auth: gate requires an account store")
	}
	cfg := newMiddlewareConfig(opts...)
	return &Gate{
		verifier:     verifier,
		accounts:     accounts,
		extractor:    cfg.extractor,
		skipper:      cfg.skipper,
		errorHandler: cfg.errorHandler,
		logger:       cfg.logger,
		now:          time.Now,
	}, nil
}

// Authenticate runs the gate checks against r and returns the principal.
func (g *Gate) Authenticate(r *http.Request) (Profile, error) {
	raw, err := g.extractor(r)
	if err != nil {
		return Profile{}, err
	}
	claims, err := g.verifier.VerifyAccess(r.Context(), raw)
	if err != nil {
		return Profile{}, err
	}
	account, err := g.accounts.GetByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Profile{}, ErrSubjectNotFound
		}
		return Profile{}, err
	}
	if account.IsLocked(g.now()) {
		return Profile{}, ErrAccountLocked
	}
	return account.Profile(), nil
}

// Require rejects requests that fail authentication.
func (g *Gate) Require(next http.Handler) http.Handler {
	if next == nil {
		next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.skipper(r) {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := g.Authenticate(r)
		if err != nil {
			if KindOf(err) == KindInternal {
				g.logger.Error("auth gate failure", slog.String("error", err.Error()))
			}
			g.errorHandler(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Optional attaches a principal when authentication succeeds and otherwise
// lets the request through anonymously.
func (g *Gate) Optional(next http.Handler) http.Handler {
	if next == nil {
		next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.skipper(r) {
			next.ServeHTTP(w, r)
			return
		}
		if principal, err := g.Authenticate(r); err == nil {
			r = r.WithContext(WithPrincipal(r.Context(), principal))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireVerifiedEmail must run after Require. It answers 403 for accounts
// whose email is not verified yet.
func RequireVerifiedEmail(next http.Handler) http.Handler {
	return RequireVerifiedEmailWith(JSONErrorHandler)(next)
}

func RequireVerifiedEmailWith(onError MiddlewareErrorHandler) func(http.Handler) http.Handler {
	if onError == nil {
		onError = JSONErrorHandler
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				onError(w, r, ErrMissingToken)
				return
			}
			if !principal.EmailVerified {
				onError(w, r, ErrEmailNotVerified)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithPrincipal(ctx context.Context, principal Profile) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (Profile, bool) {
	if ctx == nil {
		return Profile{}, false
	}
	principal, ok := ctx.Value(principalKey{}).(Profile)
	return principal, ok
}
