package bridge

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/presencewatch/horosafe"
	"github.com/hazyhaar/presencewatch/presence"
)

// maxEnvelopeBytes bounds an envelope read from HTTP.
const maxEnvelopeBytes = 1 << 20

// Routes mounts the HTTP transport on r:
//
//	POST /bridge/post     fire-and-forget, 202 Accepted
//	POST /bridge/request  request/response, 200 with the reply body,
//	                      204 when dropped, 504 on reply timeout
func (b *Bridge) Routes(r chi.Router) {
	r.Post("/bridge/post", b.handlePost)
	r.Post("/bridge/request", b.handleRequest)
}

func (b *Bridge) handlePost(w http.ResponseWriter, r *http.Request) {
	env, ok := b.readEnvelope(w, r)
	if !ok {
		return
	}
	if err := b.Send(r.Context(), env); err != nil {
		writeBridgeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (b *Bridge) handleRequest(w http.ResponseWriter, r *http.Request) {
	env, ok := b.readEnvelope(w, r)
	if !ok {
		return
	}
	resp, err := b.Request(r.Context(), env)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func (b *Bridge) readEnvelope(w http.ResponseWriter, r *http.Request) (presence.Envelope, bool) {
	var env presence.Envelope
	body, err := horosafe.LimitedReadAll(r.Body, maxEnvelopeBytes)
	if err != nil {
		http.Error(w, "envelope too large", http.StatusRequestEntityTooLarge)
		return env, false
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
		b.logger.Warn("bridge: malformed envelope", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return env, false
	}
	return env, true
}

func writeBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoReply):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrReplyTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
