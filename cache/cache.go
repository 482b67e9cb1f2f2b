package cache

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("cache: key not found")

// Store represents a simple TTL-based cache abstraction that can be backed
// by memory, Redis, or any other KV store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Counter is a fixed-window counter. Incr bumps key and returns the new
// value; the first increment of a window starts its ttl.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// CounterStore is implemented by backends that serve both roles.
type CounterStore interface {
	Store
	Counter
}
