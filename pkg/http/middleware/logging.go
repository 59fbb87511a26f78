package middleware

import (
	"errors"
	"net/http"
	"time"

	applogger "TrapLine/pkg/logger"

	"github.com/labstack/echo/v4"
)

// responseStatus resolves the status a request will be answered with.
// When the handler returned an error the response is written later by
// the error handler, so the status has to come from the error itself.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// RequestLogging logs every request at debug level and client or
// server failures at warn level.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if l == nil {
				return err
			}

			req := c.Request()
			status := responseStatus(c, err)
			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("path", req.RequestURI),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", status),
				applogger.Duration("latency", time.Since(start)),
			}
			if status >= http.StatusBadRequest {
				l.Warn("http request", fields...)
			} else {
				l.Debug("http request", fields...)
			}
			return err
		}
	}
}
