package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/presencewatch/horosafe"
	"github.com/hazyhaar/presencewatch/presence"
)

// Client is the HTTP Transport for senders living in another process than
// the Bridge (a watcher talking to a remote presenced, or a display).
type Client struct {
	base string
	http *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Client posting to baseURL (e.g. "http://127.0.0.1:8420").
// The HTTP timeout must exceed the remote bridge's request timeout.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send implements Transport.
func (c *Client) Send(ctx context.Context, env presence.Envelope) error {
	resp, err := c.post(ctx, "/bridge/post", env)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("post", resp)
	}
	return nil
}

// Request implements Transport.
func (c *Client) Request(ctx context.Context, env presence.Envelope) ([]byte, error) {
	resp, err := c.post(ctx, "/bridge/request", env)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := horosafe.LimitedReadAll(resp.Body, maxEnvelopeBytes)
		if err != nil {
			return nil, fmt.Errorf("bridge: read reply: %w", err)
		}
		return body, nil
	case http.StatusNoContent:
		return nil, ErrNoReply
	case http.StatusGatewayTimeout:
		return nil, ErrReplyTimeout
	case http.StatusServiceUnavailable:
		return nil, ErrClosed
	default:
		return nil, statusError("request", resp)
	}
}

func (c *Client) post(ctx context.Context, path string, env presence.Envelope) (*http.Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: %s %s: %w", env.Type, path, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := horosafe.LimitedReadAll(resp.Body, 4096)
	return fmt.Errorf("bridge: %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
}
