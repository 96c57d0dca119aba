package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one line per request. Health-check and scrape paths log at
// debug.
func Logger(logger zerolog.Logger, quiet ...string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			l := requestLogger(logger, c)
			evt := l.Info()
			switch {
			case err != nil || status >= 500:
				evt = l.Error().Err(err)
			case status >= 400:
				evt = l.Warn()
			case skip[c.Request().URL.Path]:
				evt = l.Debug()
			}

			evt.
				Int("status", status).
				Int64("bytes", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return nil
		}
	}
}

// requestLogger scopes logger to the request being served.
func requestLogger(logger zerolog.Logger, c echo.Context) zerolog.Logger {
	rid, _ := c.Get("request_id").(string)
	req := c.Request()
	return logger.With().
		Str("request_id", rid).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Logger()
}
