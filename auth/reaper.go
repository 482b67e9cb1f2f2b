package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const DefaultReapInterval = 10 * time.Minute

// Reaper periodically clears expired reset secrets. Expiry is always checked
// lazily at consumption, so running it is optional housekeeping.
type Reaper struct {
	accounts AccountStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewReaper(accounts AccountStore, interval time.Duration, logger *slog.Logger) (*Reaper, error) {
	if accounts == nil {
		return nil, errors.New("auth: reaper requires an account store")
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{accounts: accounts, interval: interval, logger: logger, now: time.Now}, nil
}

// Sweep runs one pass and returns how many accounts were cleaned.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	n, err := r.accounts.ClearExpiredResetTokens(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Debug("cleared expired reset tokens", slog.Int64("count", n))
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reap expired reset tokens", slog.String("error", err.Error()))
			}
		}
	}
}
