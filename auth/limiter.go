package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adeilh/go-rakh-auth/cache"
)

const (
	DefaultRateWindow = 15 * time.Minute
	DefaultRateMax    = 100
)

// Limiter is a fixed-window request limiter keyed by an arbitrary string
// (action plus normalized email in practice).
type Limiter struct {
	counter cache.Counter
	window  time.Duration
	max     int64
}

// NewLimiter returns a limiter allowing max hits per window per key.
func NewLimiter(counter cache.Counter, window time.Duration, max int) (*Limiter, error) {
	if counter == nil {
		return nil, errors.New("auth: limiter requires a counter")
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if max <= 0 {
		max = DefaultRateMax
	}
	return &Limiter{counter: counter, window: window, max: int64(max)}, nil
}

// Allow records one hit and returns ErrRateLimited once the window's budget
// is spent. A nil limiter allows everything.
func (l *Limiter) Allow(ctx context.Context, action, key string) error {
	if l == nil {
		return nil
	}
	n, err := l.counter.Incr(ctx, fmt.Sprintf("ratelimit:%s:%s", action, key), l.window)
	if err != nil {
		return WrapError(KindInternal, "rate limiter unavailable", err)
	}
	if n > l.max {
		return ErrRateLimited
	}
	return nil
}
