package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/presencewatch/presence"
)

// Port is one sender's fire-and-forget outlet. Envelopes posted on a Port
// are delivered in posting order by a single goroutine; there is no order
// across Ports.
type Port struct {
	t           Transport
	sender      string
	logger      *slog.Logger
	sendTimeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan presence.Envelope
	done   chan struct{}
}

// PortOption configures a Port.
type PortOption func(*Port)

// WithPortLogger sets a custom logger.
func WithPortLogger(l *slog.Logger) PortOption {
	return func(p *Port) { p.logger = l }
}

// WithQueueSize sets the number of envelopes buffered before Post drops.
// Default: 256.
func WithQueueSize(n int) PortOption {
	return func(p *Port) {
		if n > 0 {
			p.queue = make(chan presence.Envelope, n)
		}
	}
}

// WithSendTimeout bounds each delivery attempt. Default: 5s.
func WithSendTimeout(d time.Duration) PortOption {
	return func(p *Port) { p.sendTimeout = d }
}

// NewPort opens a Port for sender on t and starts its delivery goroutine.
func NewPort(t Transport, sender string, opts ...PortOption) *Port {
	p := &Port{
		t:           t,
		sender:      sender,
		logger:      slog.Default(),
		sendTimeout: 5 * time.Second,
		queue:       make(chan presence.Envelope, 256),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.drain()
	return p
}

// Sender returns the identity stamped on every envelope.
func (p *Port) Sender() string { return p.sender }

// Post queues a message. It never blocks and never fails: encoding errors,
// a full queue or a closed port are logged and the message is dropped.
func (p *Port) Post(kind presence.Kind, v any) {
	env, err := Envelope(kind, p.sender, v)
	if err != nil {
		p.logger.Error("bridge: post encode failed", "type", kind, "sender", p.sender, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("bridge: post on closed port", "type", kind, "sender", p.sender)
		return
	}
	select {
	case p.queue <- env:
	default:
		p.logger.Warn("bridge: port queue full, dropping", "type", kind, "sender", p.sender)
	}
}

// Close stops accepting posts, delivers what is already queued and waits
// for the delivery goroutine to exit.
func (p *Port) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Port) drain() {
	defer close(p.done)
	for env := range p.queue {
		p.send(env)
	}
}

func (p *Port) send(env presence.Envelope) {
	ctx := context.Background()
	if p.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.sendTimeout)
		defer cancel()
	}
	if err := p.t.Send(ctx, env); err != nil {
		p.logger.Warn("bridge: delivery failed",
			"type", env.Type, "sender", env.Sender, "error", err)
	}
}
