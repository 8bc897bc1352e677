package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/presencewatch/horosafe"
	"github.com/hazyhaar/presencewatch/idgen"
	"github.com/hazyhaar/presencewatch/kit"
)

// RequestIDHeader carries the request id both ways.
const RequestIDHeader = "X-Request-ID"

// RequestID tags each request with an id, reusing a well-formed incoming
// X-Request-ID, and stores it with the remote address and a derived
// logger in the context.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 || horosafe.ValidateIdentifier(id) != nil {
				id = idgen.New()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
			ctx = kit.WithTransport(ctx, "http")
			reqLogger := logger.With("request_id", id, "method", r.Method, "path", r.URL.Path)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)
			reqLogger.Debug("shield: request", "remote_addr", r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
