package api

import (
	"log/slog"
	"net/http"

	"github.com/adeilh/go-rakh-auth/auth"
	"github.com/adeilh/go-rakh-auth/httpx"
)

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

type tokensResponse struct {
	Tokens auth.TokenPair `json:"tokens"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func (h *Handler) handleHealth(c httpx.Context) error {
	if h.health != nil {
		if err := h.health(c.Request().Context()); err != nil {
			h.logger.Error("health check failed", slog.String("error", err.Error()))
			return httpx.HTTPError(http.StatusServiceUnavailable, "service unavailable")
		}
	}
	return httpx.Respond(c, http.StatusOK, "Service is healthy", healthResponse{Status: "ok"})
}

func (h *Handler) handleRegister(c httpx.Context) error {
	var req registerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := h.manager.Register(c.Request().Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		return err
	}
	h.setRefreshCookie(c, result.Tokens.RefreshToken)
	return httpx.Respond(c, http.StatusCreated, "User registered successfully. Please verify your email.", result)
}

func (h *Handler) handleLogin(c httpx.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := h.manager.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	h.setRefreshCookie(c, result.Tokens.RefreshToken)
	return httpx.Respond(c, http.StatusOK, "Login successful", result)
}

func (h *Handler) handleRefresh(c httpx.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	pair, err := h.manager.Refresh(c.Request().Context(), h.refreshTokenFrom(c, req.RefreshToken))
	if err != nil {
		return err
	}
	h.setRefreshCookie(c, pair.RefreshToken)
	return httpx.Respond(c, http.StatusOK, "Token refreshed successfully", tokensResponse{Tokens: pair})
}

func (h *Handler) handleLogout(c httpx.Context) error {
	principal, ok := httpx.Principal(c)
	if !ok {
		return auth.ErrMissingToken
	}
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.manager.Logout(c.Request().Context(), principal.ID, h.refreshTokenFrom(c, req.RefreshToken)); err != nil {
		return err
	}
	h.clearRefreshCookie(c)
	return httpx.Respond(c, http.StatusOK, "Logged out successfully", nil)
}

func (h *Handler) handleLogoutAll(c httpx.Context) error {
	principal, ok := httpx.Principal(c)
	if !ok {
		return auth.ErrMissingToken
	}
	if err := h.manager.LogoutAll(c.Request().Context(), principal.ID); err != nil {
		return err
	}
	h.clearRefreshCookie(c)
	return httpx.Respond(c, http.StatusOK, "Logged out from all devices successfully", nil)
}

func (h *Handler) handleMe(c httpx.Context) error {
	principal, ok := httpx.Principal(c)
	if !ok {
		return auth.ErrMissingToken
	}
	return httpx.Respond(c, http.StatusOK, "Profile retrieved successfully", principal)
}

func (h *Handler) handleChangePassword(c httpx.Context) error {
	principal, ok := httpx.Principal(c)
	if !ok {
		return auth.ErrMissingToken
	}
	var req changePasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.manager.ChangePassword(c.Request().Context(), principal.ID, req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	h.clearRefreshCookie(c)
	return httpx.Respond(c, http.StatusOK, "Password changed successfully. Please login again.", nil)
}

func (h *Handler) handleForgotPassword(c httpx.Context) error {
	var req forgotPasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.manager.ForgotPassword(c.Request().Context(), req.Email); err != nil {
		return err
	}
	return httpx.Respond(c, http.StatusOK, "If an account with that email exists, a password reset link has been sent.", nil)
}

func (h *Handler) handleResetPassword(c httpx.Context) error {
	var req resetPasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.manager.ResetPassword(c.Request().Context(), req.Token, req.NewPassword); err != nil {
		return err
	}
	return httpx.Respond(c, http.StatusOK, "Password reset successfully. Please login with your new password.", nil)
}

func (h *Handler) handleVerifyEmail(c httpx.Context) error {
	var req verifyEmailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if _, err := h.manager.VerifyEmail(c.Request().Context(), req.Token); err != nil {
		return err
	}
	return httpx.Respond(c, http.StatusOK, "Email verified successfully", nil)
}

func (h *Handler) handleResendVerification(c httpx.Context) error {
	principal, ok := httpx.Principal(c)
	if !ok {
		return auth.ErrMissingToken
	}
	if err := h.manager.ResendVerification(c.Request().Context(), principal.ID); err != nil {
		return err
	}
	return httpx.Respond(c, http.StatusOK, "Verification email sent successfully", nil)
}
