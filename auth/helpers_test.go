package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	testAccessSecret  = []byte(strings.Repeat("a", 32))
	testRefreshSecret = []byte(strings.Repeat("r", 32))
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentSecret struct {
	kind    string
	account Profile
	token   string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentSecret
	err  error
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, account Profile, token string) error {
	return n.record("reset", account, token)
}

func (n *recordingNotifier) SendEmailVerification(_ context.Context, account Profile, token string) error {
	return n.record("verification", account, token)
}

func (n *recordingNotifier) record(kind string, account Profile, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentSecret{kind: kind, account: account, token: token})
	return nil
}

func (n *recordingNotifier) last(kind string) (sentSecret, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].kind == kind {
			return n.sent[i], true
		}
	}
	return sentSecret{}, false
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.kind == kind {
			c++
		}
	}
	return c
}

func newTestIssuer(t *testing.T, clock *testClock) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(testAccessSecret, testRefreshSecret, WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	return issuer
}

type testEnv struct {
	clock    *testClock
	store    *MemoryStore
	issuer   *TokenIssuer
	notifier *recordingNotifier
	manager  *Manager
}

func newTestEnv(t *testing.T, mutate ...func(*ManagerConfig)) *testEnv {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore()
	store.now = clock.Now
	env := &testEnv{
		clock:    clock,
		store:    store,
		issuer:   newTestIssuer(t, clock),
		notifier: &recordingNotifier{},
	}
	cfg := ManagerConfig{
		Accounts: store,
		Tokens:   env.issuer,
		Hasher:   NewBcryptHasher(WithBcryptCost(4)),
		Notifier: env.notifier,
		Now:      clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	env.manager = manager
	return env
}

func (e *testEnv) register(t *testing.T, email, password string) AuthResult {
	t.Helper()
	res, err := e.manager.Register(context.Background(), RegisterInput{
		Email:     email,
		Password:  password,
		FirstName: "Alice",
		LastName:  "Liddell",
	})
	if err != nil {
		t.Fatalf("Register(%q) error = %v", email, err)
	}
	return res
}

func (e *testEnv) account(t *testing.T, id string) Account {
	t.Helper()
	account, err := e.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%q) error = %v", id, err)
	}
	return account
}

// seedAccount stores a bare account without going through Register.
func seedAccount(t *testing.T, store AccountStore, id, email string) Account {
	t.Helper()
	account, err := NewAccount(id, email, "Test", "User", "digest", time.Now())
	if err != nil {
		t.Fatalf("NewAccount() error = %v", err)
	}
	if err := store.Create(context.Background(), account); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return account
}
