package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// OwnerHeader carries the caller identity. The platform gateway in front of
// this service sets it after authenticating the student.
const OwnerHeader = "X-Owner-ID"

const ownerContextKey = "shopbox.owner"

// APIKeyMiddleware validates the X-API-Key header against the configured key.
// If the configured key is empty, authentication is disabled (development mode).
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := c.Request().Header.Get("X-API-Key")
			if provided == "" {
				provided = c.QueryParam("api_key")
			}

			if provided == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing API key",
				})
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid API key",
				})
			}

			return next(c)
		}
	}
}

// OwnerMiddleware requires the owner header on every request and stashes it
// in the request context for handlers.
func OwnerMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner := c.Request().Header.Get(OwnerHeader)
			if owner == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing " + OwnerHeader + " header",
				})
			}
			c.Set(ownerContextKey, owner)
			return next(c)
		}
	}
}

// OwnerID returns the caller identity set by OwnerMiddleware.
func OwnerID(c echo.Context) string {
	owner, _ := c.Get(ownerContextKey).(string)
	return owner
}
