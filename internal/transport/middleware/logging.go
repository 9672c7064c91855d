package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// LoggerMiddleware логирует запросы. Вебхуки шумные, поэтому их успешные
// вызовы уходят на debug-уровень, остальное на info.
func LoggerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()

		err := next(c)

		logEvent := log.Info()
		switch {
		case err != nil:
			logEvent = log.Error().Err(err)
		case len(c.Path()) >= 8 && c.Path()[:8] == "/webhook":
			logEvent = log.Debug()
		}

		logEvent.Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Str("ip", c.RealIP()).
			Dur("latency", time.Since(start)).
			Msg("request")

		return err
	}
}

// RequestLogger возвращает middleware для логирования
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return LoggerMiddleware(next)
	}
}
