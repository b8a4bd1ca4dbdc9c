// middleware.go - Session resolution for protected routes
package api

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/synapse-lab/backend/internal/identity"
)

const (
	// SessionCookie carries the session token for browser clients.
	SessionCookie = "synapse_session"

	sessionKey = "session"
)

// RequireSession resolves the bearer token (or session cookie) of each
// request and stores the SessionContext in the echo context. Requests
// without a live session are rejected with 401.
func RequireSession(ids IdentityService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := sessionToken(c)
			if token == "" {
				return NewUnauthorizedError("not logged in")
			}

			sc, err := ids.Current(c.Request().Context(), token)
			if err != nil {
				return FromError(err)
			}

			c.Set(sessionKey, sc)
			return next(c)
		}
	}
}

// sessionToken extracts the token from the Authorization header, the
// session cookie or, for websocket upgrades, the token query parameter.
func sessionToken(c echo.Context) string {
	if auth := c.Request().Header.Get(echo.HeaderAuthorization); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := c.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return c.QueryParam("token")
}

// sessionFrom returns the session placed by RequireSession.
func sessionFrom(c echo.Context) (*identity.SessionContext, error) {
	sc, ok := c.Get(sessionKey).(*identity.SessionContext)
	if !ok || sc == nil {
		return nil, NewUnauthorizedError("not logged in")
	}
	return sc, nil
}
