package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger attaches a request-scoped child of logger to the request context,
// so handlers and engines log through zerolog.Ctx, and emits one line per
// request once the handler returns.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			reqLog := logger.With().Str("request_id", rid).Logger()
			c.SetRequest(req.WithContext(reqLog.WithContext(req.Context())))

			err := next(c)
			if err != nil {
				// Let echo write the error response so the logged status is final.
				c.Error(err)
			}

			evt := reqLog.Info()
			if status := c.Response().Status; status >= 500 {
				evt = reqLog.Error().Err(err)
			} else if err != nil {
				evt = reqLog.Warn().Err(err)
			}

			evt.
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return nil
		}
	}
}
