package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Policy is the resilience part of a route's config JSON. The zero value
// calls the transport bare.
//
//	{"timeout_ms": 5000, "max_retries": 2, "backoff_ms": 200,
//	 "breaker_threshold": 5, "fallback_local": true}
type Policy struct {
	TimeoutMs        int64 `json:"timeout_ms"`
	MaxRetries       int   `json:"max_retries"`
	BackoffMs        int64 `json:"backoff_ms"`
	BreakerThreshold int   `json:"breaker_threshold"`
	FallbackLocal    bool  `json:"fallback_local"`
}

const defaultBackoff = 100 * time.Millisecond

// ParsePolicy reads a Policy from a route config. Unknown keys belong to
// the transport and are ignored; malformed JSON yields the zero Policy.
func ParsePolicy(config json.RawMessage) Policy {
	var p Policy
	if len(config) > 0 {
		_ = json.Unmarshal(config, &p)
	}
	return p
}

// Wrap decorates a remote handler. Outermost first: fallback to local,
// retry, breaker, timeout. local may be nil.
func (p Policy) Wrap(service string, remote, local Handler, logger *slog.Logger) Handler {
	var mws []HandlerMiddleware
	if p.FallbackLocal && local != nil {
		mws = append(mws, WithFallback(local, service, logger))
	}
	if p.MaxRetries > 0 {
		backoff := time.Duration(p.BackoffMs) * time.Millisecond
		if backoff <= 0 {
			backoff = defaultBackoff
		}
		mws = append(mws, WithRetry(p.MaxRetries, backoff, logger))
	}
	if p.BreakerThreshold > 0 {
		cb := NewCircuitBreaker(WithBreakerThreshold(p.BreakerThreshold))
		mws = append(mws, WithCircuitBreaker(cb, service))
	}
	if p.TimeoutMs > 0 {
		mws = append(mws, WithTimeout(time.Duration(p.TimeoutMs)*time.Millisecond, service))
	}
	return Chain(mws...)(remote)
}

// HandlerMiddleware wraps a Handler.
type HandlerMiddleware func(next Handler) Handler

// Chain applies mws so that mws[0] sees the call first.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(h Handler) Handler {
		for i := range mws {
			h = mws[len(mws)-1-i](h)
		}
		return h
	}
}

// WithTimeout gives each call d. Expiry of that budget, as opposed to the
// caller's own deadline, is reported as ErrTimeout.
func WithTimeout(d time.Duration, service string) HandlerMiddleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			callCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			resp, err := next(callCtx, payload)
			if err == nil || ctx.Err() != nil || callCtx.Err() != context.DeadlineExceeded {
				return resp, err
			}
			return nil, callError(service, ErrTimeout, d.String(), nil)
		}
	}
}

// WithRetry calls next up to 1+maxRetries times, doubling the pause after each
// failure. An open breaker or a finished ctx ends the loop at once.
// logger may be nil.
func WithRetry(maxRetries int, backoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			pause := backoff
			for attempt := 1; ; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				if attempt > maxRetries || ctx.Err() != nil || errors.Is(err, ErrCircuitOpen) {
					return nil, err
				}
				if logger != nil {
					logger.WarnContext(ctx, "connectivity: call failed, retrying",
						"attempt", attempt, "max_retries", maxRetries, "pause", pause, "error", err)
				}
				if !sleep(ctx, pause) {
					return nil, err
				}
				pause *= 2
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// WithFallback hands the call to local when next fails. A caller that
// gave up gets the remote error. logger may be nil.
func WithFallback(local Handler, service string, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		if local == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := next(ctx, payload)
			if err != nil && ctx.Err() == nil {
				if logger != nil {
					logger.WarnContext(ctx, "connectivity: remote failed, serving locally",
						"service", service, "error", err)
				}
				return local(ctx, payload)
			}
			return resp, err
		}
	}
}

// Recovery reports a panic in next as ErrPanicked.
func Recovery(service string, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if v := recover(); v != nil {
					logger.ErrorContext(ctx, "connectivity: handler panic",
						"service", service, "panic", v, "stack", string(debug.Stack()))
					resp, err = nil, callError(service, ErrPanicked, "", fmt.Errorf("%v", v))
				}
			}()
			return next(ctx, payload)
		}
	}
}
