// Package observer infers the operator's presence status inside one
// monitored page. It classifies the page's network traffic, probes the
// page's DOM and integration globals for a status code, and reports
// changes through an ordered bridge port.
//
// Every piece of Observer state is owned by a single loop goroutine:
// signals from the host and delayed rechecks are funnelled into it through
// channels.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/presencewatch/catalog"
	"github.com/hazyhaar/presencewatch/idgen"
	"github.com/hazyhaar/presencewatch/presence"
)

// Signals receives the page's raw signals. *Observer implements it.
type Signals interface {
	Resource(rec presence.ResourceRecord)
	Navigated(url string)
}

// Page is the monitored document as seen by the Observer.
type Page interface {
	// URL returns the current document URL.
	URL() string
	// HTML returns a snapshot of the document markup.
	HTML(ctx context.Context) (string, error)
	// EvalString evaluates a JS function returning a string.
	EvalString(ctx context.Context, js string) (string, error)
	// Subscribe starts delivering XHR/Fetch records and same-document
	// navigations to s until ctx ends.
	Subscribe(ctx context.Context, s Signals) error
}

// Poster sends fire-and-forget messages. *bridge.Port implements it.
type Poster interface {
	Post(kind presence.Kind, v any)
}

// Config for creating an Observer.
type Config struct {
	InstanceID string
	Page       Page
	Port       Poster
	Catalog    *catalog.Catalog
	Logger     *slog.Logger

	// AckPattern marks liveness-ack requests. Default: "Messages?ack=".
	AckPattern string
	// PresencePatterns mark presence queries. Default: PresenceLogin, PresenceStatus.
	PresencePatterns []string
	// Selectors override DefaultSelectors.
	Selectors []string

	AckRecheckDelay       time.Duration // default 500ms
	PresenceRecheckDelay  time.Duration // default 200ms
	InitialCheckDelay     time.Duration // default 2s
	NavigationSettleDelay time.Duration // default 1s
	HeartbeatInterval     time.Duration // default 30s

	Now   func() time.Time
	NewID idgen.Generator
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Catalog == nil {
		c.Catalog = catalog.Default()
	}
	if c.AckPattern == "" {
		c.AckPattern = "Messages?ack="
	}
	if len(c.PresencePatterns) == 0 {
		c.PresencePatterns = []string{"PresenceLogin", "PresenceStatus"}
	}
	if len(c.Selectors) == 0 {
		c.Selectors = DefaultSelectors
	}
	if c.AckRecheckDelay <= 0 {
		c.AckRecheckDelay = 500 * time.Millisecond
	}
	if c.PresenceRecheckDelay <= 0 {
		c.PresenceRecheckDelay = 200 * time.Millisecond
	}
	if c.InitialCheckDelay <= 0 {
		c.InitialCheckDelay = 2 * time.Second
	}
	if c.NavigationSettleDelay <= 0 {
		c.NavigationSettleDelay = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = idgen.Default
	}
}

// Observer watches one page.
type Observer struct {
	id        string
	page      Page
	port      Poster
	catalog   *catalog.Catalog
	logger    *slog.Logger
	classify  classifier
	selectors []string
	cfg       Config

	records  chan presence.ResourceRecord
	navs     chan string
	rechecks chan string
	inits    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	// Loop-owned.
	last      string
	url       string
	heartbeat *time.Ticker
}

// New creates an Observer. Call Start to run it.
func New(cfg Config) *Observer {
	cfg.defaults()
	return &Observer{
		id:      cfg.InstanceID,
		page:    cfg.Page,
		port:    cfg.Port,
		catalog: cfg.Catalog,
		logger:  cfg.Logger.With("instance", cfg.InstanceID),
		classify: classifier{
			ackPattern:       cfg.AckPattern,
			presencePatterns: cfg.PresencePatterns,
			ackDelay:         cfg.AckRecheckDelay,
			presenceDelay:    cfg.PresenceRecheckDelay,
		},
		selectors: cfg.Selectors,
		cfg:       cfg,
		records:   make(chan presence.ResourceRecord, 256),
		navs:      make(chan string, 16),
		rechecks:  make(chan string, 16),
		inits:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start runs the loop, which subscribes to the page and starts the
// heartbeat right away. Only the first inference waits for
// InitialCheckDelay. Only the first call has an effect.
func (o *Observer) Start(ctx context.Context) error {
	if o.page == nil || o.port == nil {
		return fmt.Errorf("observer: page and port are required")
	}
	o.startOnce.Do(func() {
		o.ctx, o.cancel = context.WithCancel(ctx)
		o.url = o.page.URL()
		go o.loop()
		o.after(o.cfg.InitialCheckDelay, o.requestInit)
		o.logger.Info("observer: started", "url", o.url)
	})
	return nil
}

// Stop ends the loop and waits for it. Pending timers are discarded.
func (o *Observer) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel == nil {
			return
		}
		o.cancel()
		<-o.done
		o.logger.Info("observer: stopped")
	})
}

// Done is closed when the loop has exited.
func (o *Observer) Done() <-chan struct{} { return o.done }

// Resource implements Signals.
func (o *Observer) Resource(rec presence.ResourceRecord) {
	select {
	case o.records <- rec:
	case <-o.ctx.Done():
	default:
		o.logger.Warn("observer: record queue full, dropping", "url", rec.URL)
	}
}

// Navigated implements Signals.
func (o *Observer) Navigated(url string) {
	select {
	case o.navs <- url:
	case <-o.ctx.Done():
	default:
		o.logger.Warn("observer: navigation queue full, dropping", "url", url)
	}
}

func (o *Observer) loop() {
	defer close(o.done)
	defer func() {
		if o.heartbeat != nil {
			o.heartbeat.Stop()
		}
	}()

	o.subscribe()

	for {
		var beat <-chan time.Time
		if o.heartbeat != nil {
			beat = o.heartbeat.C
		}

		select {
		case <-o.ctx.Done():
			return

		case <-o.inits:
			o.infer(o.ctx, "init")

		case rec := <-o.records:
			o.handleRecord(rec)

		case reason := <-o.rechecks:
			o.infer(o.ctx, reason)

		case u := <-o.navs:
			o.handleNavigate(u)

		case <-beat:
			o.port.Post(presence.KindLivenessPing, struct{}{})
		}
	}
}

// subscribe attaches the Observer to the page's signals and starts the
// heartbeat. It runs once, before the loop serves anything.
func (o *Observer) subscribe() {
	if o.ctx.Err() != nil {
		return
	}
	if err := o.page.Subscribe(o.ctx, o); err != nil {
		o.logger.Error("observer: subscribe failed", "error", err)
	}
	o.heartbeat = time.NewTicker(o.cfg.HeartbeatInterval)
	o.logger.Debug("observer: subscribed", "url", o.url)
}

func (o *Observer) handleRecord(rec presence.ResourceRecord) {
	d := o.classify.classify(rec)
	switch d.verdict {
	case emitActive:
		o.report(presence.StatusActive, "")
	case recheck:
		reason := d.reason
		o.after(d.delay, func() { o.requestRecheck(reason) })
	}
}

func (o *Observer) handleNavigate(u string) {
	if u == "" || u == o.url {
		return
	}
	o.logger.Info("observer: navigation detected", "from", o.url, "to", u)
	o.url = u
	o.after(o.cfg.NavigationSettleDelay, o.requestInit)
}

// report posts a statusUpdate when label differs from the last one sent.
// The cache is written before posting.
func (o *Observer) report(label, code string) {
	if label == o.last {
		return
	}
	o.last = label
	o.port.Post(presence.KindStatusUpdate, presence.StatusEvent{
		ID:         o.cfg.NewID(),
		Status:     label,
		StatusID:   code,
		Timestamp:  o.cfg.Now().UnixMilli(),
		URL:        o.url,
		InstanceID: o.id,
	})
	o.logger.Info("observer: status changed", "status", label, "status_id", code)
}

// after runs fn once d has elapsed unless the Observer stopped first.
func (o *Observer) after(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		if o.ctx.Err() == nil {
			fn()
		}
	})
}

func (o *Observer) requestInit() {
	select {
	case o.inits <- struct{}{}:
	default: // one pending init is enough
	}
}

func (o *Observer) requestRecheck(reason string) {
	select {
	case o.rechecks <- reason:
	case <-o.ctx.Done():
	}
}
