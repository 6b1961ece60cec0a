// Package middleware provides Echo middleware for logging, metrics, and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"streamgate/internal/model"
)

// RequestLogger returns an Echo middleware that emits one structured log line
// per request: method, path, matched rule (or "none"), terminal outcome,
// upstream status (or nil), and duration. Register it with echo.Pre so it
// also wraps requests the forwarding engine claims before routing.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			rule := "none"
			if v, ok := c.Get(model.CtxKeyRule).(string); ok {
				rule = v
			}
			outcome := model.OutcomeCompleted
			if v, ok := c.Get(model.CtxKeyOutcome).(model.Outcome); ok {
				outcome = v
			}
			var upstreamStatus interface{}
			if v, ok := c.Get(model.CtxKeyUpstreamStatus).(int); ok {
				upstreamStatus = v
			}

			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"rule", rule,
				"outcome", string(outcome),
				"upstream_status", upstreamStatus,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
