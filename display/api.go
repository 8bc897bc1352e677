package display

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/presencewatch/aggregator"
	"github.com/hazyhaar/presencewatch/auth"
	"github.com/hazyhaar/presencewatch/kit"
	"github.com/hazyhaar/presencewatch/presence"
	"github.com/hazyhaar/presencewatch/shield"
)

// StateSource is the aggregator view the API reads.
type StateSource interface {
	Snapshot() aggregator.Snapshot
	Logout(ctx context.Context)
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	// Secret signs the session token; at least horosafe.MinSecretLen bytes.
	Secret []byte
	// SessionTTL is the token and cookie lifetime. Default: 12h.
	SessionTTL time.Duration
	// SecureCookie forces the Secure attribute; it is also set on TLS
	// or X-Forwarded-Proto: https requests.
	SecureCookie bool
}

// API serves the operator page.
type API struct {
	client *Client
	state  StateSource
	cfg    APIConfig
	logger *slog.Logger
	rl     *shield.RateLimiter

	login    kit.Endpoint
	register kit.Endpoint
}

// APIOption configures an API.
type APIOption func(*API)

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) APIOption {
	return func(a *API) { a.logger = l }
}

// WithRateLimiter puts rl in the middleware stack.
func WithRateLimiter(rl *shield.RateLimiter) APIOption {
	return func(a *API) { a.rl = rl }
}

// NewAPI creates the API.
func NewAPI(client *Client, state StateSource, cfg APIConfig, opts ...APIOption) *API {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	a := &API{client: client, state: state, cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	a.login = kit.Logging(a.logger, "auth.login")(a.authEndpoint(presence.ActionLogin))
	a.register = kit.Logging(a.logger, "auth.register")(a.authEndpoint(presence.ActionRegister))
	return a
}

type credentialsReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResp struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Email   string `json:"userEmail,omitempty"`
}

// Routes mounts the API on r:
//
//	GET  /health
//	POST /api/auth/login     sets the session cookie on success
//	POST /api/auth/register
//	POST /api/auth/logout
//	GET  /api/state          session required
//	GET  /api/instances      session required
func (a *API) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		for _, mw := range shield.APIStack(a.rl, a.logger) {
			r.Use(mw)
		}
		r.Use(auth.Middleware(a.cfg.Secret))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Post("/api/auth/login", a.handleLogin)
		r.Post("/api/auth/register", a.handleRegister)
		r.Post("/api/auth/logout", a.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)
			r.Get("/api/state", a.handleState)
			r.Get("/api/instances", a.handleInstances)
		})
	})
}

// Handler returns the API on its own router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	a.Routes(r)
	return r
}

func (a *API) authEndpoint(action presence.Action) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		in := req.(*credentialsReq)
		return a.client.Authenticate(ctx, presence.Credentials{Email: in.Email, Password: in.Password, Action: action})
	}
}

func (a *API) decodeCredentials(w http.ResponseWriter, r *http.Request) (*credentialsReq, bool) {
	var req credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, authResp{Message: "Invalid request"})
		return nil, false
	}
	return &req, true
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeCredentials(w, r)
	if !ok {
		return
	}
	out, err := a.login(r.Context(), req)
	res := out.(presence.AuthResult)
	if code, failed := authFailure(res, err); failed {
		writeJSON(w, code, authResp{Message: res.Message})
		return
	}

	email := strings.TrimSpace(req.Email)
	token, err := auth.GenerateToken(a.cfg.Secret, email, a.cfg.SessionTTL)
	if err != nil {
		shield.GetLogger(r.Context()).Error("display: issue session token", "error", err)
		writeJSON(w, http.StatusInternalServerError, authResp{Message: "Session error"})
		return
	}
	secure := a.cfg.SecureCookie || r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	auth.SetTokenCookie(w, token, a.cfg.SessionTTL, secure)
	writeJSON(w, http.StatusOK, authResp{Success: true, Message: res.Message, Email: email})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeCredentials(w, r)
	if !ok {
		return
	}
	out, err := a.register(r.Context(), req)
	res := out.(presence.AuthResult)
	code, failed := authFailure(res, err)
	switch {
	case failed && code == http.StatusUnauthorized:
		writeJSON(w, http.StatusConflict, authResp{Message: res.Message})
	case failed:
		writeJSON(w, code, authResp{Message: res.Message})
	default:
		writeJSON(w, http.StatusCreated, authResp{Success: true, Message: res.Message})
	}
}

// authFailure maps an Authenticate outcome to an HTTP status. failed is
// false only for a result that reached the backend and succeeded.
func authFailure(res presence.AuthResult, err error) (code int, failed bool) {
	switch {
	case IsValidation(err):
		return http.StatusBadRequest, true
	case err != nil, !res.Success && res.Message == presence.NetworkErrorMessage:
		return http.StatusBadGateway, true
	case !res.Success:
		return http.StatusUnauthorized, true
	}
	return http.StatusOK, false
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.state.Logout(r.Context())
	auth.ClearTokenCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.state.Snapshot())
}

func (a *API) handleInstances(w http.ResponseWriter, r *http.Request) {
	ids, err := a.client.ActiveInstances(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Warn("display: active instances", "error", err)
		writeError(w, http.StatusBadGateway, errors.New("aggregator unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": ids})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
