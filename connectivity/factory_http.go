package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/presencewatch/horosafe"
	"github.com/hazyhaar/presencewatch/kit"
)

// RequestIDHeader carries the caller's request id to the backend.
const RequestIDHeader = "X-Request-ID"

const defaultHTTPTimeout = 30 * time.Second

// httpOptions is the transport part of a route's config JSON.
type httpOptions struct {
	TimeoutMs    int64             `json:"timeout_ms"`
	ContentType  string            `json:"content_type"`
	AllowPrivate bool              `json:"allow_private"`
	Headers      map[string]string `json:"headers"`
}

type httpTransport struct {
	endpoint string
	opts     httpOptions
	client   *http.Client
}

// HTTPFactory builds Handlers that POST the payload to the route endpoint
// and return the body of a 2xx answer. Private and loopback endpoints are
// refused unless the route sets "allow_private": true.
func HTTPFactory() TransportFactory {
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		t, err := newHTTPTransport(endpoint, config)
		if err != nil {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}
		return t.call, t.client.CloseIdleConnections, nil
	}
}

func newHTTPTransport(endpoint string, config json.RawMessage) (*httpTransport, error) {
	t := &httpTransport{endpoint: endpoint}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &t.opts); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if err := horosafe.ValidateEndpoint(endpoint, t.opts.AllowPrivate); err != nil {
		return nil, err
	}
	if t.opts.ContentType == "" {
		t.opts.ContentType = "application/json"
	}
	timeout := defaultHTTPTimeout
	if t.opts.TimeoutMs > 0 {
		timeout = time.Duration(t.opts.TimeoutMs) * time.Millisecond
	}
	t.client = &http.Client{Timeout: timeout}
	return t, nil
}

func (t *httpTransport) call(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("connectivity/http: %w", err)
	}
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", t.opts.ContentType)
	if id := kit.GetRequestID(ctx); id != "" {
		req.Header.Set(RequestIDHeader, id)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connectivity/http: %w", err)
	}
	defer resp.Body.Close()

	body, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxBody)
	if err != nil {
		return nil, fmt.Errorf("connectivity/http: read %s: %w", t.endpoint, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("connectivity/http: %s answered %d: %s", t.endpoint, resp.StatusCode, body)
	}
	return body, nil
}
