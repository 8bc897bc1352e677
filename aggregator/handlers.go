package aggregator

import (
	"context"

	"github.com/hazyhaar/presencewatch/bridge"
	"github.com/hazyhaar/presencewatch/presence"
)

// Register binds the aggregator to every message kind it serves.
func (a *Aggregator) Register(b *bridge.Bridge) {
	b.Handle(presence.KindStatusUpdate, a.handleStatusUpdate)
	b.Handle(presence.KindLivenessPing, a.handlePing)
	b.Handle(presence.KindGetActiveInstances, a.handleGetActiveInstances)
	b.Handle(presence.KindAuthenticate, a.handleAuthenticate)
	b.Handle(presence.KindInstanceOpened, a.handleInstanceOpened)
	b.Handle(presence.KindInstanceClosed, a.handleInstanceClosed)
}

func (a *Aggregator) handleStatusUpdate(ctx context.Context, env presence.Envelope, _ *bridge.Reply) {
	var ev presence.StatusEvent
	if err := bridge.Decode(env, &ev); err != nil {
		a.logger.Warn("aggregator: bad statusUpdate", "sender", env.Sender, "error", err)
		return
	}
	if ev.Status == "" {
		a.logger.Warn("aggregator: statusUpdate without status", "sender", env.Sender)
		return
	}
	if ev.InstanceID == "" {
		ev.InstanceID = env.Sender
	}
	a.RecordStatus(ctx, ev)
}

func (a *Aggregator) handlePing(ctx context.Context, env presence.Envelope, _ *bridge.Reply) {
	a.Ping(ctx, env.Sender)
}

func (a *Aggregator) handleGetActiveInstances(_ context.Context, _ presence.Envelope, r *bridge.Reply) {
	r.Resolve(a.ActiveInstances())
}

// handleAuthenticate keeps the reply open until the credential round-trip
// completes.
func (a *Aggregator) handleAuthenticate(ctx context.Context, env presence.Envelope, r *bridge.Reply) {
	var creds presence.Credentials
	if err := bridge.Decode(env, &creds); err != nil {
		r.Resolve(presence.AuthResult{Success: false, Message: "Invalid request"})
		return
	}
	if creds.Action == "" {
		creds.Action = presence.ActionLogin
	}
	go func() {
		r.Resolve(a.Authenticate(ctx, creds))
	}()
}

func (a *Aggregator) handleInstanceOpened(ctx context.Context, env presence.Envelope, _ *bridge.Reply) {
	var ref presence.InstanceRef
	if err := bridge.Decode(env, &ref); err != nil || ref.ID == "" {
		a.logger.Warn("aggregator: bad instanceOpened", "sender", env.Sender, "error", err)
		return
	}
	a.RegisterInstance(ctx, ref.ID, ref.URL)
}

func (a *Aggregator) handleInstanceClosed(ctx context.Context, env presence.Envelope, _ *bridge.Reply) {
	var ref presence.InstanceRef
	if err := bridge.Decode(env, &ref); err != nil || ref.ID == "" {
		a.logger.Warn("aggregator: bad instanceClosed", "sender", env.Sender, "error", err)
		return
	}
	a.RemoveInstance(ctx, ref.ID)
}
