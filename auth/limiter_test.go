package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adeilh/go-rakh-auth/cache/memory"
)

type failingCounter struct{}

func (failingCounter) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func TestLimiter(t *testing.T) {
	ctx := context.Background()
	limiter, err := NewLimiter(memory.NewStore(), time.Minute, 2)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := limiter.Allow(ctx, "login", "alice@example.com"); err != nil {
			t.Fatalf("Allow() #%d error = %v", i, err)
		}
	}
	if err := limiter.Allow(ctx, "login", "alice@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow() over budget error = %v", err)
	}
	if err := limiter.Allow(ctx, "forgot-password", "alice@example.com"); err != nil {
		t.Fatalf("separate action shares budget: %v", err)
	}
}

func TestLimiterEdgeCases(t *testing.T) {
	if _, err := NewLimiter(nil, time.Minute, 1); err == nil {
		t.Fatal("expected error for nil counter")
	}

	var nilLimiter *Limiter
	if err := nilLimiter.Allow(context.Background(), "login", "x"); err != nil {
		t.Fatalf("nil limiter Allow() error = %v", err)
	}

	limiter, _ := NewLimiter(failingCounter{}, 0, 0)
	if limiter.window != DefaultRateWindow || limiter.max != DefaultRateMax {
		t.Fatalf("defaults not applied: %v / %d", limiter.window, limiter.max)
	}
	err := limiter.Allow(context.Background(), "login", "x")
	if KindOf(err) != KindInternal || MessageOf(err) != "rate limiter unavailable" {
		t.Fatalf("Allow() with failing counter error = %v", err)
	}
}
