package httpx

import (
	"github.com/adeilh/go-rakh-auth/auth"
)

// AuthMiddleware runs the gate checks and rejects the request on failure;
// the error reaches the server's error handler.
func AuthMiddleware(gate *auth.Gate) MiddlewareFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(c Context) error {
			if gate == nil {
				return HTTPError(StatusInternalError, "auth gate missing")
			}
			principal, err := gate.Authenticate(c.Request())
			if err != nil {
				return err
			}
			setPrincipal(c, principal)
			return next(c)
		}
	}
}

// OptionalAuthMiddleware attaches a principal when the request carries a
// valid token and otherwise continues anonymously.
func OptionalAuthMiddleware(gate *auth.Gate) MiddlewareFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(c Context) error {
			if gate != nil {
				if principal, err := gate.Authenticate(c.Request()); err == nil {
					setPrincipal(c, principal)
				}
			}
			return next(c)
		}
	}
}

// RequireVerifiedEmail must follow AuthMiddleware.
func RequireVerifiedEmail() MiddlewareFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(c Context) error {
			principal, ok := Principal(c)
			if !ok {
				return auth.ErrMissingToken
			}
			if !principal.EmailVerified {
				return auth.ErrEmailNotVerified
			}
			return next(c)
		}
	}
}

// Principal returns the authenticated profile attached by AuthMiddleware.
func Principal(c Context) (auth.Profile, bool) {
	return auth.PrincipalFromContext(c.Request().Context())
}

func setPrincipal(c Context, principal auth.Profile) {
	req := c.Request()
	c.SetRequest(req.WithContext(auth.WithPrincipal(req.Context(), principal)))
}
