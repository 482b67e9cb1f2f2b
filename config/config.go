// Package config loads the service configuration from RAKH_AUTH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adeilh/go-rakh-auth/auth"
	"github.com/caarlos0/env/v11"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMongo    = "mongo"

	HasherBcrypt   = "bcrypt"
	HasherArgon2id = "argon2id"
)

type Config struct {
	Addr            string        `env:"RAKH_AUTH_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"RAKH_AUTH_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"RAKH_AUTH_WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"RAKH_AUTH_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	BodyLimit       string        `env:"RAKH_AUTH_BODY_LIMIT" envDefault:"64K"`
	CORSOrigins     []string      `env:"RAKH_AUTH_CORS_ORIGINS" envSeparator:","`

	LogLevel  slog.Level `env:"RAKH_AUTH_LOG_LEVEL" envDefault:"info"`
	LogFormat string     `env:"RAKH_AUTH_LOG_FORMAT" envDefault:"json"`

	AccessSecret  string        `env:"RAKH_AUTH_JWT_ACCESS_SECRET,required"`
	RefreshSecret string        `env:"RAKH_AUTH_JWT_REFRESH_SECRET,required"`
	AccessTTL     time.Duration `env:"RAKH_AUTH_JWT_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"RAKH_AUTH_JWT_REFRESH_TTL" envDefault:"168h"`
	Issuer        string        `env:"RAKH_AUTH_JWT_ISSUER" envDefault:"go-rakh-auth"`
	Audience      string        `env:"RAKH_AUTH_JWT_AUDIENCE" envDefault:"go-rakh-app"`

	PasswordHasher  string `env:"RAKH_AUTH_PASSWORD_HASHER" envDefault:"bcrypt"`
	BcryptCost      int    `env:"RAKH_AUTH_BCRYPT_COST" envDefault:"10"`
	StrictPasswords bool   `env:"RAKH_AUTH_STRICT_PASSWORDS" envDefault:"false"`

	MaxFailedLogins int           `env:"RAKH_AUTH_MAX_FAILED_LOGINS" envDefault:"5"`
	LockDuration    time.Duration `env:"RAKH_AUTH_LOCK_DURATION" envDefault:"2h"`
	ResetTTL        time.Duration `env:"RAKH_AUTH_RESET_TTL" envDefault:"10m"`
	VerificationTTL time.Duration `env:"RAKH_AUTH_VERIFICATION_TTL" envDefault:"24h"`
	ReapInterval    time.Duration `env:"RAKH_AUTH_REAP_INTERVAL" envDefault:"10m"`

	Store         string `env:"RAKH_AUTH_STORE" envDefault:"memory"`
	PostgresDSN   string `env:"RAKH_AUTH_POSTGRES_DSN"`
	SQLitePath    string `env:"RAKH_AUTH_SQLITE_PATH" envDefault:"rakh-auth.db"`
	MongoURI      string `env:"RAKH_AUTH_MONGO_URI"`
	MongoDatabase string `env:"RAKH_AUTH_MONGO_DATABASE" envDefault:"rakh_auth"`

	RedisAddr       string        `env:"RAKH_AUTH_REDIS_ADDR"`
	RedisPassword   string        `env:"RAKH_AUTH_REDIS_PASSWORD"`
	RedisDB         int           `env:"RAKH_AUTH_REDIS_DB" envDefault:"0"`
	RedisPrefix     string        `env:"RAKH_AUTH_REDIS_PREFIX" envDefault:"rakh-auth"`
	RateLimitWindow time.Duration `env:"RAKH_AUTH_RATE_LIMIT_WINDOW" envDefault:"15m"`
	RateLimitMax    int           `env:"RAKH_AUTH_RATE_LIMIT_MAX" envDefault:"20"`

	CookieSecure   bool   `env:"RAKH_AUTH_COOKIE_SECURE" envDefault:"false"`
	CookieSameSite string `env:"RAKH_AUTH_COOKIE_SAMESITE" envDefault:"strict"`
	CookieDomain   string `env:"RAKH_AUTH_COOKIE_DOMAIN"`

	NotifierURL          string `env:"RAKH_AUTH_NOTIFIER_URL"`
	NotifierAPIKey       string `env:"RAKH_AUTH_NOTIFIER_API_KEY"`
	NotifierRevealTokens bool   `env:"RAKH_AUTH_NOTIFIER_REVEAL_TOKENS" envDefault:"false"`
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	return load(env.Options{})
}

// LoadFrom is Load over an explicit variable set instead of the process
// environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.PasswordHasher = strings.ToLower(strings.TrimSpace(cfg.PasswordHasher))
	cfg.CookieSameSite = strings.ToLower(strings.TrimSpace(cfg.CookieSameSite))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if len(c.AccessSecret) < auth.MinSecretLength || len(c.RefreshSecret) < auth.MinSecretLength {
		errs = append(errs, fmt.Errorf("JWT secrets must be at least %d bytes", auth.MinSecretLength))
	}
	if c.AccessSecret == c.RefreshSecret {
		errs = append(errs, errors.New("access and refresh secrets must differ"))
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("RAKH_AUTH_POSTGRES_DSN is required for the postgres store"))
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("RAKH_AUTH_SQLITE_PATH is required for the sqlite store"))
		}
	case StoreMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			errs = append(errs, errors.New("RAKH_AUTH_MONGO_URI and RAKH_AUTH_MONGO_DATABASE are required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.PasswordHasher {
	case HasherBcrypt, HasherArgon2id:
	default:
		errs = append(errs, fmt.Errorf("unknown password hasher %q", c.PasswordHasher))
	}
	if _, ok := sameSiteModes[c.CookieSameSite]; !ok {
		errs = append(errs, fmt.Errorf("unknown cookie SameSite mode %q", c.CookieSameSite))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	return errors.Join(errs...)
}

var sameSiteModes = map[string]http.SameSite{
	"strict": http.SameSiteStrictMode,
	"lax":    http.SameSiteLaxMode,
	"none":   http.SameSiteNoneMode,
}

// SameSite returns the cookie SameSite mode.
func (c Config) SameSite() http.SameSite {
	if mode, ok := sameSiteModes[c.CookieSameSite]; ok {
		return mode
	}
	return http.SameSiteStrictMode
}
