package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that adds baseline security
// headers to every response, including locally generated error bodies.
// The headers are set before the handler runs: relayed responses commit
// their status inside the handler, and headers added after commit are lost.
// Hop-by-hop header handling lives in the service layer where the relay
// semantics are owned.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
