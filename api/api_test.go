package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adeilh/go-rakh-auth/auth"
	"github.com/adeilh/go-rakh-auth/cache/memory"
	"github.com/adeilh/go-rakh-auth/httpx"
	"github.com/go-resty/resty/v2"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "correct-horse-battery"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type authData struct {
	User   auth.Profile   `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

type inbox struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (n *inbox) SendPasswordReset(_ context.Context, account auth.Profile, token string) error {
	n.put("reset:"+account.Email, token)
	return nil
}

func (n *inbox) SendEmailVerification(_ context.Context, account auth.Profile, token string) error {
	n.put("verify:"+account.Email, token)
	return nil
}

func (n *inbox) put(key, token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tokens == nil {
		n.tokens = make(map[string]string)
	}
	n.tokens[key] = token
}

func (n *inbox) get(key string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[key]
}

type fixture struct {
	server  *httpx.TestServer
	client  *httpx.Client
	inbox   *inbox
	failing atomic.Bool
}

type fixtureOption func(*auth.ManagerConfig)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	issuer, err := auth.NewTokenIssuer([]byte(strings.Repeat("a", 32)), []byte(strings.Repeat("r", 32)))
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	f := &fixture{inbox: &inbox{}}
	cfg := auth.ManagerConfig{
		Accounts: auth.NewMemoryStore(),
		Tokens:   issuer,
		Hasher:   auth.NewBcryptHasher(auth.WithBcryptCost(bcrypt.MinCost)),
		Notifier: f.inbox,
		Logger:   discard,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	manager, err := auth.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	h, err := New(Config{
		Manager: manager,
		Logger:  discard,
		Health: func(context.Context) error {
			if f.failing.Load() {
				return errors.New("connection refused")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	srv := httpx.NewServer(httpx.WithLogger(discard))
	srv.RegisterRoutes(h.Register)
	f.server = httpx.NewTestServer(srv.Handler())
	t.Cleanup(f.server.Close)
	f.client = f.server.APIClient()
	return f
}

// call issues a request and decodes the envelope of both success and error
// replies.
func call(t *testing.T, client *httpx.Client, method, path string, body any, opts ...httpx.RequestOption) (*resty.Response, envelope) {
	t.Helper()
	var (
		env  envelope
		resp *resty.Response
		err  error
	)
	ctx := context.Background()
	if method == http.MethodGet {
		resp, err = client.Get(ctx, path, &env, opts...)
	} else {
		resp, err = client.Post(ctx, path, body, &env, opts...)
	}
	var respErr *httpx.ResponseError
	if errors.As(err, &respErr) {
		if jerr := json.Unmarshal([]byte(respErr.Body), &env); jerr != nil {
			t.Fatalf("decode error body %q: %v", respErr.Body, jerr)
		}
		return resp, env
	}
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp, env
}

func (f *fixture) register(t *testing.T, email string) authData {
	t.Helper()
	resp, env := call(t, f.client, http.MethodPost, BasePath+"/register", map[string]string{
		"email":     email,
		"password":  testPassword,
		"firstName": "Ada",
		"lastName":  "Lovelace",
	})
	if resp.StatusCode() != http.StatusCreated {
		t.Fatalf("register status = %d (%s)", resp.StatusCode(), env.Message)
	}
	return decodeAuth(t, env)
}

func (f *fixture) login(t *testing.T, email, password string) authData {
	t.Helper()
	resp, env := call(t, f.client, http.MethodPost, BasePath+"/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if resp.StatusCode() != http.StatusOK {
		t.Fatalf("login status = %d (%s)", resp.StatusCode(), env.Message)
	}
	return decodeAuth(t, env)
}

func decodeAuth(t *testing.T, env envelope) authData {
	t.Helper()
	var data authData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode auth data: %v", err)
	}
	if data.Tokens.AccessToken == "" || data.Tokens.RefreshToken == "" {
		t.Fatalf("expected a token pair, got %s", env.Data)
	}
	return data
}

func refreshCookie(resp *resty.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == RefreshCookieName {
			return c
		}
	}
	return nil
}

func TestRegisterLoginAndMe(t *testing.T) {
	f := newFixture(t)

	resp, env := call(t, f.client, http.MethodPost, BasePath+"/register", map[string]string{
		"email":     "Ada@Example.com",
		"password":  testPassword,
		"firstName": "Ada",
		"lastName":  "Lovelace",
	})
	if resp.StatusCode() != http.StatusCreated || !env.Success {
		t.Fatalf("register = %d %+v", resp.StatusCode(), env)
	}
	if env.Message != "User registered successfully. Please verify your email." {
		t.Fatalf("unexpected message %q", env.Message)
	}
	registered := decodeAuth(t, env)
	if registered.User.Email != "ada@example.com" || registered.User.EmailVerified {
		t.Fatalf("unexpected profile: %+v", registered.User)
	}
	if strings.Contains(strings.ToLower(string(env.Data)), "password") {
		t.Fatalf("profile leaks password material: %s", env.Data)
	}
	cookie := refreshCookie(resp)
	if cookie == nil || !cookie.HttpOnly || cookie.Value != registered.Tokens.RefreshToken {
		t.Fatalf("expected httpOnly refresh cookie, got %+v", cookie)
	}
	if cookie.SameSite != http.SameSiteStrictMode {
		t.Fatalf("SameSite = %v", cookie.SameSite)
	}
	if f.inbox.get("verify:ada@example.com") == "" {
		t.Fatal("expected a verification token to be delivered")
	}

	loggedIn := f.login(t, "ada@example.com", testPassword)
	if loggedIn.User.ID != registered.User.ID {
		t.Fatalf("login returned a different account")
	}

	resp, env = call(t, f.client, http.MethodGet, BasePath+"/me", nil, httpx.WithBearer(loggedIn.Tokens.AccessToken))
	if resp.StatusCode() != http.StatusOK || env.Message != "Profile retrieved successfully" {
		t.Fatalf("me = %d %+v", resp.StatusCode(), env)
	}
	var me auth.Profile
	if err := json.Unmarshal(env.Data, &me); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if me.ID != registered.User.ID || me.FirstName != "Ada" {
		t.Fatalf("unexpected profile %+v", me)
	}
}

func TestRegisterRejections(t *testing.T) {
	f := newFixture(t)
	f.register(t, "taken@example.com")

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "duplicate email",
			body:       map[string]string{"email": "TAKEN@example.com", "password": testPassword, "firstName": "A", "lastName": "B"},
			wantStatus: http.StatusConflict,
			wantMsg:    auth.ErrEmailTaken.Message,
		},
		{
			name:       "invalid email",
			body:       map[string]string{"email": "not-an-email", "password": testPassword, "firstName": "A", "lastName": "B"},
			wantStatus: http.StatusBadRequest,
			wantMsg:    auth.ErrInvalidEmail.Message,
		},
		{
			name:       "short password",
			body:       map[string]string{"email": "new@example.com", "password": "short", "firstName": "A", "lastName": "B"},
			wantStatus: http.StatusBadRequest,
			wantMsg:    auth.ErrPasswordTooShort.Message,
		},
		{
			name:       "malformed body",
			body:       `{"email":`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "invalid request body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := call(t, f.client, http.MethodPost, BasePath+"/register", tt.body)
			if resp.StatusCode() != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode(), tt.wantStatus)
			}
			if env.Success || env.Message != tt.wantMsg {
				t.Fatalf("envelope = %+v, want message %q", env, tt.wantMsg)
			}
		})
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada@example.com")

	for _, email := range []string{"ada@example.com", "nobody@example.com"} {
		resp, env := call(t, f.client, http.MethodPost, BasePath+"/login", map[string]string{
			"email":    email,
			"password": "wrong-password",
		})
		if resp.StatusCode() != http.StatusUnauthorized || env.Message != auth.ErrInvalidCredentials.Message {
			t.Fatalf("%s: login = %d %q", email, resp.StatusCode(), env.Message)
		}
	}
}

func TestLoginLockout(t *testing.T) {
	f := newFixture(t, func(cfg *auth.ManagerConfig) {
		cfg.LockoutOptions = []auth.LockoutOption{auth.WithLockoutThreshold(3), auth.WithLockoutDuration(time.Hour)}
	})
	f.register(t, "ada@example.com")

	bad := map[string]string{"email": "ada@example.com", "password": "wrong-password"}
	for i := 0; i < 3; i++ {
		resp, _ := call(t, f.client, http.MethodPost, BasePath+"/login", bad)
		if resp.StatusCode() != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d", i+1, resp.StatusCode())
		}
	}
	resp, env := call(t, f.client, http.MethodPost, BasePath+"/login", map[string]string{
		"email":    "ada@example.com",
		"password": testPassword,
	})
	if resp.StatusCode() != http.StatusLocked || env.Message != auth.ErrAccountLocked.Message {
		t.Fatalf("locked login = %d %q", resp.StatusCode(), env.Message)
	}
}

func TestForgotPasswordRateLimited(t *testing.T) {
	limiter, err := auth.NewLimiter(memory.NewStore(), time.Minute, 2)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	f := newFixture(t, func(cfg *auth.ManagerConfig) { cfg.Limiter = limiter })

	body := map[string]string{"email": "ada@example.com"}
	for i := 0; i < 2; i++ {
		resp, _ := call(t, f.client, http.MethodPost, BasePath+"/forgot-password", body)
		if resp.StatusCode() != http.StatusOK {
			t.Fatalf("attempt %d: status = %d", i+1, resp.StatusCode())
		}
	}
	resp, env := call(t, f.client, http.MethodPost, BasePath+"/forgot-password", body)
	if resp.StatusCode() != http.StatusTooManyRequests || env.Message != auth.ErrRateLimited.Message {
		t.Fatalf("third attempt = %d %q", resp.StatusCode(), env.Message)
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")

	resp, env := call(t, f.client, http.MethodPost, BasePath+"/refresh", map[string]string{"refreshToken": session.Tokens.RefreshToken})
	if resp.StatusCode() != http.StatusOK || env.Message != "Token refreshed successfully" {
		t.Fatalf("refresh = %d %+v", resp.StatusCode(), env)
	}
	var rotated tokensResponse
	if err := json.Unmarshal(env.Data, &rotated); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	if rotated.Tokens.RefreshToken == "" || rotated.Tokens.RefreshToken == session.Tokens.RefreshToken {
		t.Fatal("expected a fresh refresh token")
	}
	if c := refreshCookie(resp); c == nil || c.Value != rotated.Tokens.RefreshToken {
		t.Fatalf("expected rotated cookie, got %+v", c)
	}

	resp, env = call(t, f.client, http.MethodPost, BasePath+"/refresh", map[string]string{"refreshToken": session.Tokens.RefreshToken})
	if resp.StatusCode() != http.StatusUnauthorized || env.Message != auth.ErrRefreshTokenInvalid.Message {
		t.Fatalf("replay = %d %q", resp.StatusCode(), env.Message)
	}

	fromCookie := f.server.APIClient()
	resp, _ = call(t, fromCookie, http.MethodPost, BasePath+"/refresh", nil, httpx.WithCookie(RefreshCookieName, rotated.Tokens.RefreshToken))
	if resp.StatusCode() != http.StatusOK {
		t.Fatalf("cookie refresh status = %d", resp.StatusCode())
	}

	resp, env = call(t, f.server.APIClient(), http.MethodPost, BasePath+"/refresh", nil)
	if resp.StatusCode() != http.StatusUnauthorized || env.Message != auth.ErrRefreshRequired.Message {
		t.Fatalf("missing token = %d %q", resp.StatusCode(), env.Message)
	}
}

func TestLogoutRevokesTokenAndClearsCookie(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")

	resp, env := call(t, f.client, http.MethodPost, BasePath+"/logout",
		map[string]string{"refreshToken": session.Tokens.RefreshToken},
		httpx.WithBearer(session.Tokens.AccessToken))
	if resp.StatusCode() != http.StatusOK || env.Message != "Logged out successfully" {
		t.Fatalf("logout = %d %+v", resp.StatusCode(), env)
	}
	if c := refreshCookie(resp); c == nil || c.MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got %+v", c)
	}

	resp, _ = call(t, f.client, http.MethodPost, BasePath+"/refresh", map[string]string{"refreshToken": session.Tokens.RefreshToken})
	if resp.StatusCode() != http.StatusUnauthorized {
		t.Fatalf("refresh after logout = %d", resp.StatusCode())
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	f := newFixture(t)
	first := f.register(t, "ada@example.com")
	second := f.login(t, "ada@example.com", testPassword)

	resp, env := call(t, f.client, http.MethodPost, BasePath+"/logout-all", nil, httpx.WithBearer(second.Tokens.AccessToken))
	if resp.StatusCode() != http.StatusOK || env.Message != "Logged out from all devices successfully" {
		t.Fatalf("logout-all = %d %+v", resp.StatusCode(), env)
	}
	for _, token := range []string{first.Tokens.RefreshToken, second.Tokens.RefreshToken} {
		resp, _ := call(t, f.client, http.MethodPost, BasePath+"/refresh", map[string]string{"refreshToken": token})
		if resp.StatusCode() != http.StatusUnauthorized {
			t.Fatalf("refresh after logout-all = %d", resp.StatusCode())
		}
	}
}

func TestProtectedRoutesRequireAccessToken(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, BasePath + "/logout"},
		{http.MethodPost, BasePath + "/logout-all"},
		{http.MethodGet, BasePath + "/me"},
		{http.MethodPost, BasePath + "/change-password"},
		{http.MethodPost, BasePath + "/resend-verification"},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			resp, env := call(t, f.client, r.method, r.path, nil)
			if resp.StatusCode() != http.StatusUnauthorized || env.Message != auth.ErrMissingToken.Message {
				t.Fatalf("no token = %d %q", resp.StatusCode(), env.Message)
			}
			resp, _ = call(t, f.client, r.method, r.path, nil, httpx.WithBearer("not-a-jwt"))
			if resp.StatusCode() != http.StatusUnauthorized {
				t.Fatalf("garbage token = %d", resp.StatusCode())
			}
			resp, _ = call(t, f.client, r.method, r.path, nil, httpx.WithBearer(session.Tokens.RefreshToken))
			if resp.StatusCode() != http.StatusUnauthorized {
				t.Fatalf("refresh token as access token = %d", resp.StatusCode())
			}
		})
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")
	bearer := httpx.WithBearer(session.Tokens.AccessToken)

	resp, env := call(t, f.client, http.MethodPost, BasePath+"/change-password", map[string]string{
		"currentPassword": "wrong-password",
		"newPassword":     "a-brand-new-password",
	}, bearer)
	if resp.StatusCode() != http.StatusBadRequest || env.Message != auth.ErrCurrentPassword.Message {
		t.Fatalf("wrong current = %d %q", resp.StatusCode(), env.Message)
	}

	resp, env = call(t, f.client, http.MethodPost, BasePath+"/change-password", map[string]string{
		"currentPassword": testPassword,
		"newPassword":     "a-brand-new-password",
	}, bearer)
	if resp.StatusCode() != http.StatusOK || env.Message != "Password changed successfully. Please login again." {
		t.Fatalf("change = %d %+v", resp.StatusCode(), env)
	}
	if c := refreshCookie(resp); c == nil || c.MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got %+v", c)
	}

	resp, _ = call(t, f.client, http.MethodPost, BasePath+"/refresh", map[string]string{"refreshToken": session.Tokens.RefreshToken})
	if resp.StatusCode() != http.StatusUnauthorized {
		t.Fatalf("old session survived password change: %d", resp.StatusCode())
	}
	f.login(t, "ada@example.com", "a-brand-new-password")
}

func TestForgotAndResetPassword(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada@example.com")
	const forgotMsg = "If an account with that email exists, a password reset link has been sent."

	resp, env := call(t, f.client, http.MethodPost, BasePath+"/forgot-password", map[string]string{"email": "ghost@example.com"})
	if resp.StatusCode() != http.StatusOK || env.Message != forgotMsg {
		t.Fatalf("unknown email = %d %q", resp.StatusCode(), env.Message)
	}
	if f.inbox.get("reset:ghost@example.com") != "" {
		t.Fatal("reset token delivered for unknown email")
	}

	resp, env = call(t, f.client, http.MethodPost, BasePath+"/forgot-password", map[string]string{"email": "ADA@example.com"})
	if resp.StatusCode() != http.StatusOK || env.Message != forgotMsg {
		t.Fatalf("known email = %d %q", resp.StatusCode(), env.Message)
	}
	token := f.inbox.get("reset:ada@example.com")
	if token == "" {
		t.Fatal("expected a reset token")
	}

	reset := map[string]string{"token": token, "newPassword": "reset-password-123"}
	resp, env = call(t, f.client, http.MethodPost, BasePath+"/reset-password", reset)
	if resp.StatusCode() != http.StatusOK || env.Message != "Password reset successfully. Please login with your new password." {
		t.Fatalf("reset = %d %+v", resp.StatusCode(), env)
	}
	f.login(t, "ada@example.com", "reset-password-123")

	resp, env = call(t, f.client, http.MethodPost, BasePath+"/reset-password", reset)
	if resp.StatusCode() != http.StatusBadRequest || env.Message != auth.ErrResetTokenInvalid.Message {
		t.Fatalf("reused token = %d %q", resp.StatusCode(), env.Message)
	}
}

func TestVerifyEmailAndResend(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")
	bearer := httpx.WithBearer(session.Tokens.AccessToken)

	resp, env := call(t, f.client, http.MethodPost, BasePath+"/resend-verification", nil, bearer)
	if resp.StatusCode() != http.StatusOK || env.Message != "Verification email sent successfully" {
		t.Fatalf("resend = %d %+v", resp.StatusCode(), env)
	}
	token := f.inbox.get("verify:ada@example.com")

	resp, env = call(t, f.client, http.MethodPost, BasePath+"/verify-email", map[string]string{"token": "bogus"})
	if resp.StatusCode() != http.StatusBadRequest || env.Message != auth.ErrVerificationInvalid.Message {
		t.Fatalf("bogus token = %d %q", resp.StatusCode(), env.Message)
	}

	resp, env = call(t, f.client, http.MethodPost, BasePath+"/verify-email", map[string]string{"token": token})
	if resp.StatusCode() != http.StatusOK || env.Message != "Email verified successfully" {
		t.Fatalf("verify = %d %+v", resp.StatusCode(), env)
	}

	_, env = call(t, f.client, http.MethodGet, BasePath+"/me", nil, bearer)
	var me auth.Profile
	if err := json.Unmarshal(env.Data, &me); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if !me.EmailVerified {
		t.Fatal("expected verified profile")
	}

	resp, env = call(t, f.client, http.MethodPost, BasePath+"/resend-verification", nil, bearer)
	if resp.StatusCode() != http.StatusBadRequest || env.Message != auth.ErrAlreadyVerified.Message {
		t.Fatalf("resend after verify = %d %q", resp.StatusCode(), env.Message)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, env := call(t, f.client, http.MethodGet, HealthPath, nil)
	if resp.StatusCode() != http.StatusOK || !env.Success {
		t.Fatalf("health = %d %+v", resp.StatusCode(), env)
	}

	f.failing.Store(true)
	resp, env = call(t, f.client, http.MethodGet, HealthPath, nil)
	if resp.StatusCode() != http.StatusServiceUnavailable || env.Message != "service unavailable" {
		t.Fatalf("unhealthy = %d %+v", resp.StatusCode(), env)
	}
}

func TestNewRequiresManager(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a manager")
	}
}
