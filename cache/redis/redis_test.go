package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/adeilh/go-rakh-auth/cache"
)

func newTestStore(t *testing.T, prefix string) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	store := NewStore(Options{Addr: mr.Addr(), Prefix: prefix})
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestStoreSetGetDelete(t *testing.T) {
	_, store := newTestStore(t, "")
	ctx := context.Background()

	key := "redis:test"
	value := []byte("some-payload")

	if err := store.Set(ctx, key, value, 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	payload, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(payload) != string(value) {
		t.Fatalf("Get() = %q, want %q", payload, value)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreTTL(t *testing.T) {
	mr, store := newTestStore(t, "")
	ctx := context.Background()

	if err := store.Set(ctx, "ttl", []byte("value"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	mr.FastForward(time.Minute + time.Second)

	if _, err := store.Get(ctx, "ttl"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after TTL, got %v", err)
	}
}

func TestStorePrefix(t *testing.T) {
	mr, store := newTestStore(t, "rl")
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := mr.Get("rl:k")
	if err != nil {
		t.Fatalf("miniredis Get error = %v", err)
	}
	if got != "v" {
		t.Fatalf("stored value = %q, want v", got)
	}
}

func TestStoreIncrWindow(t *testing.T) {
	mr, store := newTestStore(t, "")
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, "login:alice", time.Minute)
		if err != nil {
			t.Fatalf("Incr() error = %v", err)
		}
		if got != want {
			t.Fatalf("Incr() = %d, want %d", got, want)
		}
	}

	if ttl := mr.TTL("login:alice"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("TTL = %v, want (0, 1m]", ttl)
	}

	mr.FastForward(time.Minute + time.Second)

	got, err := store.Incr(ctx, "login:alice", time.Minute)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if got != 1 {
		t.Fatalf("Incr() after window = %d, want 1", got)
	}
}

func TestStoreIncrExpiryArmedWithKey(t *testing.T) {
	tests := []struct {
		name    string
		window  time.Duration
		wantTTL bool
	}{
		{name: "windowed counter", window: time.Minute, wantTTL: true},
		{name: "sub-second window", window: 500 * time.Millisecond, wantTTL: true},
		{name: "no window", window: 0, wantTTL: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, store := newTestStore(t, "rakh-auth")
			ctx := context.Background()

			got, err := store.Incr(ctx, "ratelimit:login:10.0.0.1", tt.window)
			if err != nil {
				t.Fatalf("Incr() error = %v", err)
			}
			if got != 1 {
				t.Fatalf("Incr() = %d, want 1", got)
			}
			ttl := mr.TTL("rakh-auth:ratelimit:login:10.0.0.1")
			if tt.wantTTL && (ttl <= 0 || ttl > tt.window) {
				t.Fatalf("TTL after first hit = %v, want (0, %v]", ttl, tt.window)
			}
			if !tt.wantTTL && ttl != 0 {
				t.Fatalf("TTL without window = %v, want none", ttl)
			}
		})
	}

	mr, store := newTestStore(t, "")
	ctx := context.Background()
	if _, err := store.Incr(ctx, "k", time.Minute); err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	mr.FastForward(30 * time.Second)
	if got, err := store.Incr(ctx, "k", time.Minute); err != nil || got != 2 {
		t.Fatalf("Incr() = %d, %v; want 2", got, err)
	}
	if ttl := mr.TTL("k"); ttl > 30*time.Second {
		t.Fatalf("TTL = %v, later hits must not extend the window", ttl)
	}
}

func TestStoreContextCancellation(t *testing.T) {
	_, store := newTestStore(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Set(ctx, "any", []byte("value"), 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStoreConcurrentIncr(t *testing.T) {
	_, store := newTestStore(t, "")

	const workers = 16
	const opsPerWorker = 25

	var wg sync.WaitGroup
	errCh := make(chan error, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				if _, err := store.Incr(context.Background(), "shared", time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d incr failed: %w", worker, err)
					return
				}
			}
		}(w)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent op failed: %v", err)
	}

	got, err := store.Get(context.Background(), "shared")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if want := fmt.Sprint(workers * opsPerWorker); string(got) != want {
		t.Fatalf("counter = %s, want %s", got, want)
	}
}
