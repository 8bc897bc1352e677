package shield

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/presencewatch/dbopen"
	"github.com/hazyhaar/presencewatch/kit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T) (*RateLimiter, *fakeClock) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(context.Background(), db,
		WithRateLimitLogger(quietLogger()), WithRateLimitClock(clock.now))
	return rl, clock
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestRateLimiter_LoginWindow(t *testing.T) {
	rl, clock := newLimiter(t)
	h := rl.Middleware(okHandler())

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 10; i++ {
		if rec := do("10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: code %d", i, rec.Code)
		}
	}
	rec := do("10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: code %d, want 429", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "60" {
		t.Fatalf("Retry-After = %q", ra)
	}
	if !strings.Contains(rec.Body.String(), "rate limit exceeded") {
		t.Fatalf("body = %q", rec.Body.String())
	}

	// Other clients have their own bucket.
	if rec := do("10.0.0.2"); rec.Code != http.StatusOK {
		t.Fatalf("other ip: code %d", rec.Code)
	}

	clock.advance(61 * time.Second)
	if rec := do("10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("after window: code %d", rec.Code)
	}
}

func TestRateLimiter_UnlistedEndpoint(t *testing.T) {
	rl, _ := newLimiter(t)
	for i := 0; i < 100; i++ {
		if ok, _ := rl.Allow("10.0.0.1", "GET /api/state"); !ok {
			t.Fatalf("unlisted endpoint limited at %d", i)
		}
	}
}

func TestRateLimiter_ReloadDisables(t *testing.T) {
	rl, _ := newLimiter(t)
	ctx := context.Background()
	if _, err := rl.db.ExecContext(ctx,
		`UPDATE rate_limits SET enabled = 0 WHERE endpoint = 'POST /api/auth/register'`); err != nil {
		t.Fatal(err)
	}
	rl.Reload(ctx)
	for i := 0; i < 20; i++ {
		if ok, _ := rl.Allow("10.0.0.1", "POST /api/auth/register"); !ok {
			t.Fatalf("disabled rule still limits at %d", i)
		}
	}
}

func TestRateLimiter_GC(t *testing.T) {
	rl, clock := newLimiter(t)
	rl.Allow("10.0.0.1", "POST /api/auth/login")
	clock.advance(2 * time.Minute)
	rl.gc()
	rl.mu.Lock()
	n := len(rl.buckets)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("buckets after gc = %d", n)
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	if ip := ExtractIP(req); ip != "192.0.2.7" {
		t.Fatalf("remote addr: got %q", ip)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if ip := ExtractIP(req); ip != "203.0.113.9" {
		t.Fatalf("forwarded: got %q", ip)
	}
}

func TestAPIStack(t *testing.T) {
	var gotID, gotTransport string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = kit.GetRequestID(r.Context())
		gotTransport = kit.GetTransport(r.Context())
		if _, err := io.ReadAll(r.Body); err == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	})
	var handler http.Handler = h
	stack := APIStack(nil, quietLogger())
	for i := len(stack) - 1; i >= 0; i-- {
		handler = stack[i](handler)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/state", strings.NewReader("{}"))
	req.Header.Set(RequestIDHeader, "req-abc.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if gotID != "req-abc.1" || rec.Header().Get(RequestIDHeader) != "req-abc.1" {
		t.Fatalf("request id = %q / %q", gotID, rec.Header().Get(RequestIDHeader))
	}
	if gotTransport != "http" {
		t.Fatalf("transport = %q", gotTransport)
	}
	for _, h := range []string{"Content-Security-Policy", "X-Frame-Options", "X-Content-Type-Options", "Cache-Control"} {
		if rec.Header().Get(h) == "" {
			t.Fatalf("missing header %s", h)
		}
	}

	req = httptest.NewRequest(http.MethodPost, "/api/state", strings.NewReader("{}"))
	req.Header.Set(RequestIDHeader, "bad id with spaces")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if gotID == "bad id with spaces" || gotID == "req-abc.1" || gotID == "" {
		t.Fatalf("malformed incoming id kept: %q", gotID)
	}

	// Declared length over the cap: rejected before the handler.
	gotID = ""
	req = httptest.NewRequest(http.MethodPost, "/api/state", strings.NewReader(strings.Repeat("x", DefaultMaxBody+1)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge || gotID != "" {
		t.Fatalf("declared oversize: code %d, handler ran: %v", rec.Code, gotID != "")
	}

	// Undeclared length: the read fails past the cap.
	req = httptest.NewRequest(http.MethodPost, "/api/state", io.NopCloser(strings.NewReader(strings.Repeat("x", DefaultMaxBody+1))))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("streamed oversize: code %d", rec.Code)
	}
}
