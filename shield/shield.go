// Package shield is the HTTP middleware stack in front of the display API:
// security headers, body limits, request ids and per-IP rate limits whose
// rules live in SQLite.
//
//	rl := shield.NewRateLimiter(ctx, db)
//	go rl.Run(ctx)
//	for _, mw := range shield.APIStack(rl, logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey holds the per-request logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody bounds API request bodies.
const DefaultMaxBody = 64 << 10

// APIStack returns the middlewares for a JSON API, outermost first:
// SecurityHeaders, MaxBody, RequestID, then rl when non-nil.
func APIStack(rl *RateLimiter, logger *slog.Logger) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		SecurityHeaders(APIHeaders()),
		MaxBody(DefaultMaxBody),
		RequestID(logger),
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// GetLogger returns the per-request logger, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
