package auth

import (
	"errors"
	"net/http"
)

// Kind classifies an error for callers that need to pick a response without
// inspecting messages.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindConflict
	KindLocked
	KindInvalidOrExpired
	KindRateLimited
	KindHashing
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindLocked:
		return "locked"
	case KindInvalidOrExpired:
		return "invalid_or_expired"
	case KindRateLimited:
		return "rate_limited"
	case KindHashing:
		return "hashing"
	default:
		return "internal"
	}
}

// Error is the domain error returned by this package. Message is safe to show
// to clients; Cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return "auth: " + e.Message + ": " + e.Cause.Error()
	}
	return "auth: " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on kind and message so wrapped copies of a sentinel still
// satisfy errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// NewError builds a domain error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds a domain error that keeps cause for logging.
func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf reports the kind of err, KindInternal for anything foreign.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// MessageOf returns a client-safe message for err.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal server error"
}

var (
	ErrEmailTaken          = NewError(KindConflict, "an account with this email already exists")
	ErrInvalidCredentials  = NewError(KindUnauthenticated, "invalid email or password")
	ErrAccountLocked       = NewError(KindLocked, "account is temporarily locked due to multiple failed login attempts")
	ErrMissingToken        = NewError(KindUnauthenticated, "access token is required")
	ErrTokenExpired        = NewError(KindUnauthenticated, "token expired")
	ErrTokenInvalid        = NewError(KindUnauthenticated, "invalid token")
	ErrSubjectNotFound     = NewError(KindUnauthenticated, "invalid access token")
	ErrRefreshTokenInvalid = NewError(KindUnauthenticated, "invalid refresh token")
	ErrRefreshRequired     = NewError(KindUnauthenticated, "refresh token is required")
	ErrResetTokenInvalid   = NewError(KindInvalidOrExpired, "invalid or expired reset token")
	ErrVerificationInvalid = NewError(KindInvalidOrExpired, "invalid or expired verification token")
	ErrAlreadyVerified     = NewError(KindValidation, "email is already verified")
	ErrEmailNotVerified    = NewError(KindForbidden, "email verification required")
	ErrCurrentPassword     = NewError(KindValidation, "current password is incorrect")
	ErrRateLimited         = NewError(KindRateLimited, "too many requests, try again later")
	ErrInvalidEmail        = NewError(KindValidation, "please enter a valid email address")
	ErrInvalidName         = NewError(KindValidation, "first and last name are required and at most 50 characters")

	// ErrAccountNotFound is returned by stores; flows translate it before it
	// reaches a client.
	ErrAccountNotFound = NewError(KindUnauthenticated, "account not found")
)

// HTTPStatus maps a kind onto the status code the HTTP surface answers with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindInvalidOrExpired:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindLocked:
		return http.StatusLocked
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
