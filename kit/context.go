package kit

import "context"

type ctxKey uint8

const (
	transportKey ctxKey = iota
	requestIDKey
	userEmailKey
	remoteAddrKey
)

func withString(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func stringValue(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithTransport records how the call arrived: "http" or "mcp".
func WithTransport(ctx context.Context, t string) context.Context {
	return withString(ctx, transportKey, t)
}

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if v := stringValue(ctx, transportKey); v != "" {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

func GetRequestID(ctx context.Context) string { return stringValue(ctx, requestIDKey) }

// WithUserEmail records the authenticated operator.
func WithUserEmail(ctx context.Context, email string) context.Context {
	return withString(ctx, userEmailKey, email)
}

func GetUserEmail(ctx context.Context) string { return stringValue(ctx, userEmailKey) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return withString(ctx, remoteAddrKey, addr)
}

func GetRemoteAddr(ctx context.Context) string { return stringValue(ctx, remoteAddrKey) }
