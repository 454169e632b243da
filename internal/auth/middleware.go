package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// userContextKey holds the validated claims on the echo context.
const userContextKey = "authUser"

// TokenValidator is the surface the middleware needs.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// Middleware guards routes with bearer-token validation.
type Middleware struct {
	validator TokenValidator
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(validator TokenValidator) *Middleware {
	return &Middleware{validator: validator}
}

// Require authenticates any valid token.
func (m *Middleware) Require() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := extractBearerToken(c)
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization token")
			}
			claims, err := m.validator.ValidateToken(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(userContextKey, claims)
			return next(c)
		}
	}
}

// RequireAdmin authenticates and additionally requires the admin bit.
func (m *Middleware) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := extractBearerToken(c)
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization token")
			}
			claims, err := m.validator.ValidateToken(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if !claims.IsAdmin {
				return echo.NewHTTPError(http.StatusForbidden, "admin access required")
			}
			c.Set(userContextKey, claims)
			return next(c)
		}
	}
}

// CurrentUser returns the claims set by the middleware, or nil.
func CurrentUser(c echo.Context) *Claims {
	claims, ok := c.Get(userContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

func extractBearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	// WebSocket clients cannot set headers; accept a query token there.
	return c.QueryParam("token")
}
