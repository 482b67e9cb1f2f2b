// Package authd wires the authentication service from its configuration.
package authd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/adeilh/go-rakh-auth/api"
	"github.com/adeilh/go-rakh-auth/auth"
	memorycache "github.com/adeilh/go-rakh-auth/cache/memory"
	rediscache "github.com/adeilh/go-rakh-auth/cache/redis"
	"github.com/adeilh/go-rakh-auth/config"
	"github.com/adeilh/go-rakh-auth/db/mongostore"
	"github.com/adeilh/go-rakh-auth/db/sql/postgres"
	"github.com/adeilh/go-rakh-auth/db/sql/sqlite"
	"github.com/adeilh/go-rakh-auth/httpx"
	"github.com/adeilh/go-rakh-auth/notify"
)

// NewLogger builds the process logger for cfg.
func NewLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Run serves the API until ctx is done.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.close(context.Background()); err != nil {
			logger.Error("close store", slog.String("error", err.Error()))
		}
	}()

	limiter, closeLimiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	server, reaper, err := build(cfg, backend, limiter, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	reaped := make(chan struct{})
	go func() {
		defer close(reaped)
		_ = reaper.Run(ctx)
	}()
	defer func() {
		cancel()
		<-reaped
	}()

	logger.Info("starting auth service",
		slog.String("addr", cfg.Addr),
		slog.String("store", cfg.Store),
		slog.Bool("redis_limiter", cfg.RedisAddr != ""),
	)
	return server.Start(ctx, httpx.WithShutdownTimeout(cfg.ShutdownTimeout))
}

// build assembles the manager, HTTP server and reaper over an open backend.
func build(cfg config.Config, b backend, limiter *auth.Limiter, logger *slog.Logger) (*httpx.Server, *auth.Reaper, error) {
	issuer, err := auth.NewTokenIssuer([]byte(cfg.AccessSecret), []byte(cfg.RefreshSecret),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("token issuer: %w", err)
	}
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	policy := auth.DefaultPasswordPolicy()
	if cfg.StrictPasswords {
		policy = auth.StrictPasswordPolicy()
	}

	hasher, err := newHasher(cfg)
	if err != nil {
		return nil, nil, err
	}

	manager, err := auth.NewManager(auth.ManagerConfig{
		Accounts: b.accounts,
		Tokens:   issuer,
		Hasher:   hasher,
		Policy:   &policy,
		Notifier: notifier,
		Limiter:  limiter,
		LockoutOptions: []auth.LockoutOption{
			auth.WithLockoutThreshold(cfg.MaxFailedLogins),
			auth.WithLockoutDuration(cfg.LockDuration),
		},
		SecretOptions: []auth.SecretOption{
			auth.WithResetTTL(cfg.ResetTTL),
			auth.WithVerificationTTL(cfg.VerificationTTL),
		},
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}

	handler, err := api.New(api.Config{
		Manager: manager,
		Cookie: api.CookieConfig{
			Domain:   cfg.CookieDomain,
			Secure:   cfg.CookieSecure,
			SameSite: cfg.SameSite(),
			MaxAge:   cfg.RefreshTTL,
		},
		Health: b.ping,
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}

	opts := []httpx.ServerOption{
		httpx.WithAddress(cfg.Addr),
		httpx.WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout),
		httpx.WithBodyLimit(cfg.BodyLimit),
		httpx.WithLogger(logger),
	}
	if len(cfg.CORSOrigins) > 0 {
		cors := httpx.DefaultCORSConfig
		cors.AllowOrigins = cfg.CORSOrigins
		cors.AllowCredentials = true
		opts = append(opts, httpx.WithCORS(&cors))
	}
	server := httpx.NewServer(opts...)
	server.RegisterRoutes(handler.Register)

	reaper, err := auth.NewReaper(b.accounts, cfg.ReapInterval, logger)
	if err != nil {
		return nil, nil, err
	}
	return server, reaper, nil
}

// backend is an open account store plus its health probe and closer.
type backend struct {
	accounts auth.AccountStore
	ping     func(context.Context) error
	close    func(context.Context) error
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return backend{
			accounts: auth.NewMemoryStore(),
			ping:     func(context.Context) error { return nil },
			close:    func(context.Context) error { return nil },
		}, nil
	case config.StorePostgres:
		db, err := postgres.Open(ctx, postgres.WithDSN(cfg.PostgresDSN))
		if err != nil {
			return backend{}, err
		}
		if err := postgres.ApplyMigrations(ctx, db); err != nil {
			_ = db.Close()
			return backend{}, err
		}
		store, err := postgres.NewAccountStore(db)
		if err != nil {
			_ = db.Close()
			return backend{}, err
		}
		return backend{
			accounts: store,
			ping:     db.PingContext,
			close:    func(context.Context) error { return db.Close() },
		}, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		return backend{
			accounts: store,
			ping:     store.DB().PingContext,
			close:    func(context.Context) error { return store.Close() },
		}, nil
	case config.StoreMongo:
		store, err := mongostore.Connect(ctx, mongostore.Options{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
		if err != nil {
			return backend{}, err
		}
		return backend{accounts: store, ping: store.Ping, close: store.Close}, nil
	default:
		return backend{}, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// newLimiter counts in Redis when an address is configured and in process
// memory otherwise.
func newLimiter(ctx context.Context, cfg config.Config) (*auth.Limiter, func(), error) {
	if cfg.RedisAddr == "" {
		limiter, err := auth.NewLimiter(memorycache.NewStore(), cfg.RateLimitWindow, cfg.RateLimitMax)
		return limiter, func() {}, err
	}
	store := rediscache.NewStore(rediscache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
	})
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	limiter, err := auth.NewLimiter(store, cfg.RateLimitWindow, cfg.RateLimitMax)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return limiter, func() { _ = store.Close() }, nil
}

func newNotifier(cfg config.Config, logger *slog.Logger) (auth.Notifier, error) {
	if cfg.NotifierURL == "" {
		return notify.NewLog(logger, cfg.NotifierRevealTokens), nil
	}
	hook, err := notify.NewWebhook(cfg.NotifierURL,
		notify.WithAPIKey(cfg.NotifierAPIKey),
		notify.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	return hook, nil
}

// newHasher hashes with the configured algorithm and still verifies digests
// left by the other one, upgrading them on login.
func newHasher(cfg config.Config) (*auth.MigratingHasher, error) {
	return auth.NewMigratingHasher(cfg.PasswordHasher,
		auth.NewBcryptHasher(auth.WithBcryptCost(cfg.BcryptCost)),
		auth.NewArgon2idHasher(),
	)
}
