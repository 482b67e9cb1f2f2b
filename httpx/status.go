package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/adeilh/go-rakh-auth/auth"
	"github.com/labstack/echo/v4"
)

const (
	StatusOK                  = http.StatusOK                  // Successful request
	StatusCreated             = http.StatusCreated             // Resource created
	StatusNoContent           = http.StatusNoContent           // Successful with no body
	StatusBadRequest          = http.StatusBadRequest          // Validation or malformed input
	StatusUnauthorized        = http.StatusUnauthorized        // Missing or invalid authentication
	StatusForbidden           = http.StatusForbidden           // Authenticated but lacks permission
	StatusNotFound            = http.StatusNotFound            // Resource not found
	StatusConflict            = http.StatusConflict            // Uniqueness or version conflict
	StatusLocked              = http.StatusLocked              // Account temporarily locked
	StatusUnprocessableEntity = http.StatusUnprocessableEntity // Semantically invalid input
	StatusTooManyRequests     = http.StatusTooManyRequests     // Rate limiting or quotas
	StatusInternalError       = http.StatusInternalServerError // Unexpected server error
	StatusServiceUnavailable  = http.StatusServiceUnavailable  // Dependency failure or maintenance
	StatusGatewayTimeout      = http.StatusGatewayTimeout      // Request context expired
)

// StatusFor picks the response status for an error returned by a handler.
func StatusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusGatewayTimeout
	default:
		return auth.KindOf(err).HTTPStatus()
	}
}
