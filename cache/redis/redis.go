package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/adeilh/go-rakh-auth/cache"
)

// Store implements cache.CounterStore on top of go-redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// NewStore dials lazily; use Ping to check connectivity.
func NewStore(opts Options) *Store {
	cfg := opts.withDefaults()
	return &Store{client: goredis.NewClient(cfg.client()), prefix: cfg.Prefix}
}

// NewStoreFromClient wraps an existing client, e.g. a cluster or sentinel
// client built by the caller.
func NewStoreFromClient(client goredis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get: %w", err)
	}
	return payload, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis: del: %w", err)
	}
	return nil
}

// Incr increments key. The window's expiry is created with the key in the
// same MULTI/EXEC, so a counter never outlives its window.
func (s *Store) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := s.key(key)
	var incr *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if window > 0 {
			pipe.SetNX(ctx, k, 0, window)
		}
		incr = pipe.Incr(ctx, k)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis: incr: %w", err)
	}
	return incr.Val(), nil
}

var _ cache.CounterStore = (*Store)(nil)
