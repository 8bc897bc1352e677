// Package bridge is the single logical channel between Observers, the
// Aggregator and the display layer. It supports two disciplines:
//
//   - fire-and-forget: the sender posts through a Port and never waits;
//     delivery failures are logged at the Port and never reach the caller.
//   - request/response: the sender waits on a one-shot Reply. A handler may
//     resolve the Reply after it returns (the channel is "held open"), e.g.
//     once an external round-trip completes.
//
//	b := bridge.New(bridge.WithLogger(logger))
//	b.Handle(presence.KindGetActiveInstances, func(ctx context.Context, env presence.Envelope, r *bridge.Reply) {
//		r.Resolve(registry.IDs())
//	})
//	var ids []string
//	err := bridge.Call(ctx, b, presence.KindGetActiveInstances, "popup", struct{}{}, &ids)
//
// Messages of a kind nobody handles are logged and dropped without a reply.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hazyhaar/presencewatch/presence"
)

var (
	// ErrNoReply is returned by Request when the receiver dropped the
	// message (unknown kind).
	ErrNoReply = errors.New("bridge: no reply")

	// ErrReplyTimeout is returned by Request when the reply was not
	// resolved within the request timeout.
	ErrReplyTimeout = errors.New("bridge: reply timeout")

	// ErrClosed is returned when sending on a closed bridge.
	ErrClosed = errors.New("bridge: closed")

	// ErrHandlerPanic resolves the reply of a handler that panicked.
	ErrHandlerPanic = errors.New("bridge: handler panicked")
)

// Transport delivers envelopes to a receiver. *Bridge is the in-process
// transport, *Client the HTTP one.
type Transport interface {
	// Send delivers a fire-and-forget envelope.
	Send(ctx context.Context, env presence.Envelope) error
	// Request delivers an envelope and waits for its reply.
	Request(ctx context.Context, env presence.Envelope) ([]byte, error)
}

// Handler serves one message kind. It must resolve reply at most once,
// either before returning or later from another goroutine. Replies of
// fire-and-forget messages are discarded.
type Handler func(ctx context.Context, env presence.Envelope, reply *Reply)

// Bridge dispatches envelopes to registered handlers.
type Bridge struct {
	mu             sync.RWMutex
	handlers       map[presence.Kind]Handler
	closed         bool
	logger         *slog.Logger
	requestTimeout time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithRequestTimeout bounds how long Request waits for a reply.
// Zero disables the bound (the caller's context still applies).
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.requestTimeout = d }
}

// New creates a Bridge with no handlers. Default request timeout: 20s.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		handlers:       make(map[presence.Kind]Handler),
		logger:         slog.Default(),
		requestTimeout: 20 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Handle registers h for kind, replacing any previous handler.
func (b *Bridge) Handle(kind presence.Kind, h Handler) {
	b.mu.Lock()
	b.handlers[kind] = h
	b.mu.Unlock()
}

// Send delivers a fire-and-forget envelope. Unknown kinds are dropped and
// do not count as delivery errors.
func (b *Bridge) Send(ctx context.Context, env presence.Envelope) error {
	_, err := b.deliver(ctx, env)
	if errors.Is(err, ErrNoReply) {
		return nil
	}
	return err
}

// Request delivers env and waits for the handler's reply.
func (b *Bridge) Request(ctx context.Context, env presence.Envelope) ([]byte, error) {
	if b.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.requestTimeout)
		defer cancel()
	}
	reply, err := b.deliver(ctx, env)
	if err != nil {
		return nil, err
	}
	return reply.Wait(ctx)
}

// Close rejects further deliveries. Replies already held open can still
// be resolved.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *Bridge) deliver(ctx context.Context, env presence.Envelope) (*Reply, error) {
	b.mu.RLock()
	h, ok := b.handlers[env.Type]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		b.logger.WarnContext(ctx, "bridge: unknown message kind",
			"type", env.Type, "sender", env.Sender)
		return nil, ErrNoReply
	}

	reply := NewReply()
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.ErrorContext(ctx, "bridge: handler panic recovered",
					"type", env.Type, "panic", r, "stack", string(debug.Stack()))
				reply.Fail(ErrHandlerPanic)
			}
		}()
		h(ctx, env, reply)
	}()
	return reply, nil
}

// Reply is a one-shot future resolved by a handler.
type Reply struct {
	once sync.Once
	done chan struct{}
	data []byte
	err  error
}

// NewReply creates an unresolved Reply.
func NewReply() *Reply {
	return &Reply{done: make(chan struct{})}
}

// Resolve completes the reply with v encoded as JSON. Later calls are
// ignored. Returns false if the reply was already resolved.
func (r *Reply) Resolve(v any) bool {
	data, err := json.Marshal(v)
	resolved := false
	r.once.Do(func() {
		if err != nil {
			r.err = fmt.Errorf("bridge: encode reply: %w", err)
		} else {
			r.data = data
		}
		close(r.done)
		resolved = true
	})
	return resolved
}

// Fail completes the reply with an error.
func (r *Reply) Fail(err error) bool {
	resolved := false
	r.once.Do(func() {
		r.err = err
		close(r.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the reply is resolved.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Wait blocks until the reply is resolved or ctx ends.
func (r *Reply) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.data, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrReplyTimeout
		}
		return nil, ctx.Err()
	}
}

// Envelope builds an envelope carrying v as JSON data.
func Envelope(kind presence.Kind, sender string, v any) (presence.Envelope, error) {
	env := presence.Envelope{Type: kind, Sender: sender}
	if v == nil {
		return env, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return env, fmt.Errorf("bridge: encode %s: %w", kind, err)
	}
	env.Data = data
	return env, nil
}

// Call sends a request of the given kind and decodes the reply into out
// (which may be nil).
func Call(ctx context.Context, t Transport, kind presence.Kind, sender string, in, out any) error {
	env, err := Envelope(kind, sender, in)
	if err != nil {
		return err
	}
	resp, err := t.Request(ctx, env)
	if err != nil {
		return err
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("bridge: decode %s reply: %w", kind, err)
	}
	return nil
}

// Decode unmarshals the envelope data into v. Empty data leaves v untouched.
func Decode(env presence.Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("bridge: decode %s: %w", env.Type, err)
	}
	return nil
}
