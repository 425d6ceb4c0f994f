package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestID returns echo's request ID middleware, skipped for paths under
// relayPrefix so relayed responses carry only upstream headers.
func RequestID(relayPrefix string) echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, relayPrefix)
		},
	})
}
