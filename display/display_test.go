package display

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/presencewatch/aggregator"
	"github.com/hazyhaar/presencewatch/auth"
	"github.com/hazyhaar/presencewatch/bridge"
	"github.com/hazyhaar/presencewatch/connectivity"
	"github.com/hazyhaar/presencewatch/credstore"
	"github.com/hazyhaar/presencewatch/dbopen"
	"github.com/hazyhaar/presencewatch/presence"
	"github.com/hazyhaar/presencewatch/shield"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingTransport counts requests before handing them to next.
type countingTransport struct {
	next     bridge.Transport
	requests atomic.Int32
}

func (c *countingTransport) Send(ctx context.Context, env presence.Envelope) error {
	return c.next.Send(ctx, env)
}

func (c *countingTransport) Request(ctx context.Context, env presence.Envelope) ([]byte, error) {
	c.requests.Add(1)
	return c.next.Request(ctx, env)
}

type downTransport struct{}

func (downTransport) Send(context.Context, presence.Envelope) error { return bridge.ErrClosed }
func (downTransport) Request(context.Context, presence.Envelope) ([]byte, error) {
	return nil, bridge.ErrClosed
}

type stack struct {
	agg       *aggregator.Aggregator
	bridge    *bridge.Bridge
	transport *countingTransport
	client    *Client
}

// newStack wires a display client to a real aggregator whose credential
// service is an in-memory credstore.
func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	store, err := credstore.New(ctx, db, credstore.WithCost(bcrypt.MinCost), credstore.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	router := connectivity.New(connectivity.WithLogger(quietLogger()))
	router.RegisterLocal("credentials", store.Handler())
	t.Cleanup(func() { router.Close() })

	agg, err := aggregator.New(ctx, aggregator.Config{},
		aggregator.WithLogger(quietLogger()), aggregator.WithCredentials(router))
	if err != nil {
		t.Fatal(err)
	}
	b := bridge.New(bridge.WithLogger(quietLogger()))
	t.Cleanup(func() { b.Close() })
	agg.Register(b)

	tr := &countingTransport{next: b}
	return &stack{
		agg:       agg,
		bridge:    b,
		transport: tr,
		client:    NewClient(tr, WithAllowedDomain("@talabat.com")),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		creds  presence.Credentials
		domain string
		field  string
	}{
		{"ok", presence.Credentials{Email: "agent@talabat.com", Password: "12345678"}, "@talabat.com", ""},
		{"ok no domain", presence.Credentials{Email: "a@x.com", Password: "12345678"}, "", ""},
		{"domain case", presence.Credentials{Email: "Agent@Talabat.COM", Password: "12345678"}, "@talabat.com", ""},
		{"short password", presence.Credentials{Email: "a@x.com", Password: "short"}, "", "password"},
		{"wrong domain", presence.Credentials{Email: "a@x.com", Password: "12345678"}, "@talabat.com", "email"},
		{"no at", presence.Credentials{Email: "agent.talabat.com", Password: "12345678"}, "", "email"},
		{"display name", presence.Credentials{Email: "Agent <a@talabat.com>", Password: "12345678"}, "", "email"},
		{"empty", presence.Credentials{}, "", "email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.creds, tt.domain)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("got %v, want a %s error", err, tt.field)
			}
		})
	}
}

func TestValidate_Messages(t *testing.T) {
	err := Validate(presence.Credentials{Email: "a@x.com", Password: "12345678"}, "@talabat.com")
	if err.(*ValidationError).Message != "Please enter a valid @talabat.com email address" {
		t.Fatalf("email message = %q", err.(*ValidationError).Message)
	}
	err = Validate(presence.Credentials{Email: "a@talabat.com", Password: "1234567"}, "@talabat.com")
	if err.(*ValidationError).Message != "Password must be at least 8 characters long" {
		t.Fatalf("password message = %q", err.(*ValidationError).Message)
	}
}

func TestClient_RejectsBeforeBridge(t *testing.T) {
	s := newStack(t)
	s.client = NewClient(s.transport)

	res, err := s.client.Login(context.Background(), "a@x.com", "short")
	if !IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if res.Success {
		t.Fatal("short password accepted")
	}
	if n := s.transport.requests.Load(); n != 0 {
		t.Fatalf("bridge saw %d requests", n)
	}
	if s.agg.Session().Authenticated {
		t.Fatal("session changed")
	}
}

func TestClient_LoginFlow(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	res, err := s.client.Register(ctx, "agent@talabat.com", "hunter2hunter2")
	if err != nil || !res.Success {
		t.Fatalf("register: %+v, %v", res, err)
	}
	if s.agg.Session().Authenticated {
		t.Fatal("register logged in")
	}
	res, err = s.client.Login(ctx, " agent@talabat.com ", "hunter2hunter2")
	if err != nil || !res.Success {
		t.Fatalf("login: %+v, %v", res, err)
	}
	if sess := s.agg.Session(); !sess.Authenticated || sess.Email != "agent@talabat.com" {
		t.Fatalf("session = %+v", sess)
	}
}

func TestClient_BridgeDownIsNetworkError(t *testing.T) {
	c := NewClient(downTransport{})
	res, err := c.Login(context.Background(), "agent@talabat.com", "hunter2hunter2")
	if err == nil || IsValidation(err) {
		t.Fatalf("err = %v", err)
	}
	if res.Success || res.Message != presence.NetworkErrorMessage {
		t.Fatalf("res = %+v", res)
	}
}

func TestClient_ActiveInstances(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	ids, err := s.client.ActiveInstances(ctx)
	if err != nil || ids == nil || len(ids) != 0 {
		t.Fatalf("empty registry: %v, %v", ids, err)
	}
	s.agg.RegisterInstance(ctx, "T1", "https://x.lightning.force.com")
	s.agg.RegisterInstance(ctx, "T2", "https://x.lightning.force.com")
	ids, err = s.client.ActiveInstances(ctx)
	if err != nil || len(ids) != 2 || ids[0] != "T1" || ids[1] != "T2" {
		t.Fatalf("ids = %v, %v", ids, err)
	}
}

func newTestAPI(t *testing.T, s *stack) http.Handler {
	t.Helper()
	return NewAPI(s.client, s.agg, APIConfig{Secret: testSecret}, WithAPILogger(quietLogger())).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName && c.Value != "" {
			return c
		}
	}
	return nil
}

func TestAPI_AuthFlow(t *testing.T) {
	s := newStack(t)
	h := newTestAPI(t, s)
	creds := `{"email":"agent@talabat.com","password":"hunter2hunter2"}`

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/state", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("state without session: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/auth/login", creds); rec.Code != http.StatusUnauthorized {
		t.Fatalf("login before register: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/api/auth/register", creds); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	rec := do(t, h, http.MethodPost, "/api/auth/register", creds)
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), credstore.MsgEmailTaken) {
		t.Fatalf("duplicate register: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/api/auth/login", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	cookie := sessionCookie(rec)
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("no HttpOnly session cookie: %+v", rec.Result().Cookies())
	}

	rec = do(t, h, http.MethodGet, "/api/state", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("state: %d", rec.Code)
	}
	var snap aggregator.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if !snap.Session.Authenticated || snap.Session.Email != "agent@talabat.com" || snap.LastStatus != presence.StatusUnknown {
		t.Fatalf("snapshot = %+v", snap)
	}

	s.agg.RegisterInstance(context.Background(), "T1", "https://x.lightning.force.com")
	rec = do(t, h, http.MethodGet, "/api/instances", "", cookie)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"T1"`) {
		t.Fatalf("instances: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/api/auth/logout", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	if s.agg.Session().Authenticated {
		t.Fatal("session survived logout")
	}
}

func TestAPI_ValidationAndErrors(t *testing.T) {
	s := newStack(t)
	h := newTestAPI(t, s)

	rec := do(t, h, http.MethodPost, "/api/auth/login", `{"email":"a@x.com","password":"short"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid creds: %d", rec.Code)
	}
	if n := s.transport.requests.Load(); n != 0 {
		t.Fatalf("bridge saw %d requests", n)
	}
	if rec := do(t, h, http.MethodPost, "/api/auth/login", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", rec.Code)
	}

	down := NewAPI(NewClient(downTransport{}), s.agg, APIConfig{Secret: testSecret}, WithAPILogger(quietLogger())).Handler()
	rec = do(t, down, http.MethodPost, "/api/auth/login", `{"email":"agent@talabat.com","password":"hunter2hunter2"}`)
	if rec.Code != http.StatusBadGateway || !strings.Contains(rec.Body.String(), presence.NetworkErrorMessage) {
		t.Fatalf("bridge down: %d %s", rec.Code, rec.Body)
	}
}

func TestAPI_LoginRateLimited(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(shield.Schema))
	rl := shield.NewRateLimiter(ctx, db, shield.WithRateLimitLogger(quietLogger()))
	h := NewAPI(s.client, s.agg, APIConfig{Secret: testSecret},
		WithAPILogger(quietLogger()), WithRateLimiter(rl)).Handler()

	body := `{"email":"a@x.com","password":"short"}`
	for i := 0; i < 10; i++ {
		if rec := do(t, h, http.MethodPost, "/api/auth/login", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: %d", i, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodPost, "/api/auth/login", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th attempt: %d", rec.Code)
	}
}
