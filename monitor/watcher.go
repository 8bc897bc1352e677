package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/presencewatch/bridge"
	"github.com/hazyhaar/presencewatch/monitor/internal/browser"
	"github.com/hazyhaar/presencewatch/monitor/internal/observer"
	"github.com/hazyhaar/presencewatch/presence"
)

// target is a page the Watcher can observe. *browser.Tab implements it.
type target interface {
	observer.Page
	ID() string
}

type instance struct {
	target target
	obs    *observer.Observer
	port   *bridge.Port
	owned  bool
}

// Watcher tracks matching page targets, runs one Observer per target and
// reports instanceOpened/instanceClosed on the target's port.
type Watcher struct {
	cfg       Config
	transport bridge.Transport
	logger    *slog.Logger
	mgr       *browser.Manager

	mu        sync.Mutex
	instances map[string]*instance
	pending   map[string]bool // target id -> still alive while its load is awaited
	ctx       context.Context
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a Watcher posting to t.
func New(cfg Config, t bridge.Transport, opts ...Option) *Watcher {
	cfg.defaults()
	w := &Watcher{
		cfg:       cfg,
		transport: t,
		logger:    slog.Default(),
		instances: make(map[string]*instance),
		pending:   make(map[string]bool),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run connects to Chrome, attaches to matching targets and blocks until
// ctx ends. Every instance is closed before returning.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	w.mgr = browser.NewManager(browser.Config{
		RemoteURL:       w.cfg.RemoteURL,
		Headless:        w.cfg.Headless,
		MemoryLimit:     w.cfg.MemoryLimitMB << 20,
		RecycleInterval: w.cfg.RecycleInterval,
		Logger:          w.logger,
	})
	w.mgr.SetRecycleCallback(&browser.RecycleCallback{
		BeforeRecycle: func() { w.detachAll("recycle") },
		AfterRecycle: func(b *rod.Browser) {
			go func() {
				if err := w.attachBrowser(ctx, b); err != nil {
					w.logger.Error("monitor: reattach after recycle", "error", err)
				}
			}()
		},
	})

	b, err := w.mgr.Start(ctx)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	defer w.mgr.Close()

	if err := w.attachBrowser(ctx, b); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	<-ctx.Done()
	w.detachAll("shutdown")
	return nil
}

// Instances returns the ids of the observed targets.
func (w *Watcher) Instances() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.instances))
	for id := range w.instances {
		ids = append(ids, id)
	}
	return ids
}

// attachBrowser enables target discovery, picks up existing pages and
// opens the configured ones.
func (w *Watcher) attachBrowser(ctx context.Context, b *rod.Browser) error {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}

	wait := b.Context(ctx).EachEvent(
		func(e *proto.TargetTargetCreated) { w.consider(ctx, b, e.TargetInfo) },
		func(e *proto.TargetTargetInfoChanged) { w.consider(ctx, b, e.TargetInfo) },
		func(e *proto.TargetTargetDestroyed) { w.detach(string(e.TargetID), "destroyed") },
	)
	go wait()

	pages, err := b.Pages()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			w.logger.Debug("monitor: page info failed", "error", err)
			continue
		}
		w.consider(ctx, b, info)
	}

	for _, u := range w.cfg.Pages {
		tab, err := browser.OpenTab(ctx, w.mgr, u)
		if err != nil {
			w.logger.Error("monitor: open page", "url", u, "error", err)
			continue
		}
		w.attach(ctx, tab, true)
	}
	return nil
}

// consider reacts to a target appearing or changing URL.
func (w *Watcher) consider(ctx context.Context, b *rod.Browser, info *proto.TargetTargetInfo) {
	if info == nil || info.Type != proto.TargetTargetInfoTypePage {
		return
	}
	id := string(info.TargetID)
	matches := w.cfg.Matches(info.URL)

	w.mu.Lock()
	_, attached := w.instances[id]
	_, busy := w.pending[id]
	if !attached && !busy && matches {
		w.pending[id] = true
	}
	w.mu.Unlock()

	switch {
	case attached && !matches:
		w.detach(id, "left monitored application")
	case !attached && !busy && matches:
		go w.attachTarget(ctx, b, info)
	}
}

// attachTarget waits for the page load then attaches to it.
func (w *Watcher) attachTarget(ctx context.Context, b *rod.Browser, info *proto.TargetTargetInfo) {
	page, err := b.PageFromTarget(info.TargetID)
	if err != nil {
		w.mu.Lock()
		delete(w.pending, string(info.TargetID))
		w.mu.Unlock()
		w.logger.Warn("monitor: attach target", "target", string(info.TargetID), "error", err)
		return
	}
	w.attachLoaded(ctx, browser.Attach(page, info.URL, w.logger), func(ctx context.Context) error {
		return page.Context(ctx).WaitLoad()
	})
}

// attachLoaded runs wait under LoadTimeout then attaches t, unless t was
// destroyed meanwhile. t must be pending.
func (w *Watcher) attachLoaded(ctx context.Context, t target, wait func(context.Context) error) {
	id := t.ID()
	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	loadCtx, cancel := context.WithTimeout(ctx, w.cfg.LoadTimeout)
	err := wait(loadCtx)
	cancel()
	if err != nil {
		w.logger.Warn("monitor: wait load", "target", id, "error", err)
	}
	w.attach(ctx, t, false)
}

// attach starts an Observer on t unless one already runs.
func (w *Watcher) attach(ctx context.Context, t target, owned bool) {
	id := t.ID()

	w.mu.Lock()
	if alive, loading := w.pending[id]; loading && !alive {
		w.mu.Unlock()
		w.logger.Debug("monitor: target destroyed before attach", "target", id)
		return
	}
	if _, ok := w.instances[id]; ok || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	logger := w.logger.With("instance", id)
	port := bridge.NewPort(w.transport, id, bridge.WithPortLogger(logger))
	obs := observer.New(observer.Config{
		InstanceID:            id,
		Page:                  t,
		Port:                  port,
		Catalog:               w.cfg.Catalog,
		Logger:                w.logger,
		AckPattern:            w.cfg.AckPattern,
		PresencePatterns:      w.cfg.PresencePatterns,
		Selectors:             w.cfg.Selectors,
		AckRecheckDelay:       w.cfg.AckRecheckDelay,
		PresenceRecheckDelay:  w.cfg.PresenceRecheckDelay,
		InitialCheckDelay:     w.cfg.InitialCheckDelay,
		NavigationSettleDelay: w.cfg.NavigationSettleDelay,
		HeartbeatInterval:     w.cfg.HeartbeatInterval,
	})
	w.instances[id] = &instance{target: t, obs: obs, port: port, owned: owned}
	w.mu.Unlock()

	port.Post(presence.KindInstanceOpened, presence.InstanceRef{ID: id, URL: t.URL()})
	if err := obs.Start(ctx); err != nil {
		logger.Error("monitor: start observer", "error", err)
	}
	logger.Info("monitor: instance opened", "url", t.URL())
}

// detach stops the Observer of id and reports instanceClosed. A target
// still loading is marked dead so that it is never attached.
func (w *Watcher) detach(id, reason string) {
	w.mu.Lock()
	inst, ok := w.instances[id]
	delete(w.instances, id)
	if _, loading := w.pending[id]; loading {
		w.pending[id] = false
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	w.stop(id, inst, reason)
}

func (w *Watcher) detachAll(reason string) {
	w.mu.Lock()
	all := w.instances
	w.instances = make(map[string]*instance)
	w.mu.Unlock()
	for id, inst := range all {
		w.stop(id, inst, reason)
	}
}

func (w *Watcher) stop(id string, inst *instance, reason string) {
	inst.obs.Stop()
	inst.port.Post(presence.KindInstanceClosed, presence.InstanceRef{ID: id})
	inst.port.Close()
	if inst.owned {
		if c, ok := inst.target.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				w.logger.Debug("monitor: close tab", "instance", id, "error", err)
			}
		}
	}
	w.logger.Info("monitor: instance closed", "instance", id, "reason", reason)
}
