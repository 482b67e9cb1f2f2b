// Package api exposes the account flows of auth.Manager over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adeilh/go-rakh-auth/auth"
	"github.com/adeilh/go-rakh-auth/httpx"
	"github.com/labstack/echo/v4"
)

const (
	BasePath          = "/api/auth"
	HealthPath        = "/health"
	RefreshCookieName = "refreshToken"
)

// CookieConfig shapes the httpOnly refresh-token cookie.
type CookieConfig struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
	MaxAge   time.Duration
}

// Config wires a Handler. Manager is required; Gate defaults to
// Manager.NewGate().
type Config struct {
	Manager *auth.Manager
	Gate    *auth.Gate
	Cookie  CookieConfig
	// Health reports backend reachability for GET /health.
	Health func(context.Context) error
	Logger *slog.Logger
}

type Handler struct {
	manager *auth.Manager
	gate    *auth.Gate
	cookie  CookieConfig
	health  func(context.Context) error
	logger  *slog.Logger
}

func New(cfg Config) (*Handler, error) {
	if cfg.Manager == nil {
		return nil, errors.New("api: manager is required")
	}
	gate := cfg.Gate
	if gate == nil {
		var err error
		if gate, err = cfg.Manager.NewGate(); err != nil {
			return nil, err
		}
	}
	cookie := cfg.Cookie
	if strings.TrimSpace(cookie.Name) == "" {
		cookie.Name = RefreshCookieName
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	if cookie.SameSite == 0 {
		cookie.SameSite = http.SameSiteStrictMode
	}
	if cookie.MaxAge <= 0 {
		cookie.MaxAge = auth.DefaultRefreshTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager: cfg.Manager,
		gate:    gate,
		cookie:  cookie,
		health:  cfg.Health,
		logger:  logger,
	}, nil
}

// Register mounts every route on e. It satisfies httpx.RouteRegistrar.
func (h *Handler) Register(e *httpx.Echo) {
	requireAuth := httpx.AuthMiddleware(h.gate)

	e.GET(HealthPath, h.handleHealth)

	r := e.Group(BasePath)
	r.POST("/register", h.handleRegister).
		POST("/login", h.handleLogin).
		POST("/refresh", h.handleRefresh).
		POST("/forgot-password", h.handleForgotPassword).
		POST("/reset-password", h.handleResetPassword).
		POST("/verify-email", h.handleVerifyEmail)

	r.POST("/logout", h.handleLogout, requireAuth).
		POST("/logout-all", h.handleLogoutAll, requireAuth).
		GET("/me", h.handleMe, requireAuth).
		POST("/change-password", h.handleChangePassword, requireAuth).
		POST("/resend-verification", h.handleResendVerification, requireAuth)
}

func (h *Handler) setRefreshCookie(c httpx.Context, token string) {
	c.SetCookie(&http.Cookie{
		Name:     h.cookie.Name,
		Value:    token,
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		MaxAge:   int(h.cookie.MaxAge / time.Second),
		Secure:   h.cookie.Secure,
		HttpOnly: true,
		SameSite: h.cookie.SameSite,
	})
}

func (h *Handler) clearRefreshCookie(c httpx.Context) {
	c.SetCookie(&http.Cookie{
		Name:     h.cookie.Name,
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   h.cookie.Secure,
		HttpOnly: true,
		SameSite: h.cookie.SameSite,
	})
}

// refreshTokenFrom prefers the body token and falls back to the cookie.
func (h *Handler) refreshTokenFrom(c httpx.Context, body string) string {
	if token := strings.TrimSpace(body); token != "" {
		return token
	}
	if cookie, err := c.Cookie(h.cookie.Name); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

var errInvalidBody = auth.NewError(auth.KindValidation, "invalid request body")

// bind decodes the JSON body. Oversized bodies keep their 413.
func bind(c httpx.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
			return echo.ErrStatusRequestEntityTooLarge
		}
		return errInvalidBody
	}
	return nil
}
