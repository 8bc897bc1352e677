package aggregator

import (
	"context"
	"encoding/json"

	"github.com/hazyhaar/presencewatch/observability"
	"github.com/hazyhaar/presencewatch/presence"
)

// Caller reaches an external service by name. *connectivity.Router
// implements it.
type Caller interface {
	Call(ctx context.Context, service string, payload []byte) ([]byte, error)
}

type callResult struct {
	data []byte
	err  error
}

// Authenticate forwards creds to the credential service and waits at most
// AuthTimeout for its answer. A successful login sets and persists the
// session; every other outcome leaves it untouched. Transport failures,
// timeouts and malformed answers yield {success:false, message:"Network error"}.
func (a *Aggregator) Authenticate(ctx context.Context, creds presence.Credentials) presence.AuthResult {
	start := a.now()
	res := a.callCredentials(ctx, creds)

	if res.Success && creds.Action == presence.ActionLogin {
		a.setSession(ctx, presence.AuthSession{Authenticated: true, Email: creds.Email})
	}

	a.logger.Info("aggregator: authentication attempt",
		"action", creds.Action, "email", creds.Email, "success", res.Success,
		"duration_ms", a.now().Sub(start).Milliseconds())
	a.events.LogEvent(ctx, observability.Event{
		Type:    observability.EventAuthAttempt,
		Subject: creds.Email,
		Details: string(creds.Action),
		Success: res.Success,
	})
	return res
}

func (a *Aggregator) callCredentials(ctx context.Context, creds presence.Credentials) presence.AuthResult {
	networkError := presence.AuthResult{Success: false, Message: presence.NetworkErrorMessage}
	if a.creds == nil {
		a.logger.Error("aggregator: no credential service configured")
		return networkError
	}

	payload, err := json.Marshal(creds)
	if err != nil {
		return networkError
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.AuthTimeout)
	defer cancel()

	// The call runs aside so a backend ignoring ctx cannot hold the reply.
	ch := make(chan callResult, 1)
	go func() {
		data, err := a.creds.Call(ctx, a.cfg.CredentialService, payload)
		ch <- callResult{data: data, err: err}
	}()

	var r callResult
	select {
	case r = <-ch:
	case <-ctx.Done():
		a.logger.Warn("aggregator: credential service timed out",
			"service", a.cfg.CredentialService, "timeout", a.cfg.AuthTimeout)
		return networkError
	}
	if r.err != nil {
		a.logger.Warn("aggregator: credential service failed",
			"service", a.cfg.CredentialService, "error", r.err)
		return networkError
	}

	var res presence.AuthResult
	if err := json.Unmarshal(r.data, &res); err != nil {
		a.logger.Warn("aggregator: malformed credential response", "error", err)
		return networkError
	}
	return res
}

// Logout clears the session. The status history is kept.
func (a *Aggregator) Logout(ctx context.Context) {
	a.setSession(ctx, presence.AuthSession{})
	a.logger.Info("aggregator: logged out")
	a.events.LogEvent(ctx, observability.Event{Type: observability.EventLogout, Success: true, CreatedAt: a.now()})
}

func (a *Aggregator) setSession(ctx context.Context, sess presence.AuthSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = sess
	if a.store != nil {
		if err := a.store.SaveSession(ctx, sess); err != nil {
			a.logger.Error("aggregator: persist session failed", "error", err)
		}
	}
}
