// Package aggregator is the central authority on which monitored instances
// are open, what the operator's last known status is, and whether the
// display layer is authenticated. It receives Observer reports through the
// bridge (see Register), keeps a bounded status history and persists its
// state so a restart resumes where it stopped.
//
// All mutations are serialised by one mutex.
package aggregator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/presencewatch/aggregator/internal/store"
	"github.com/hazyhaar/presencewatch/idgen"
	"github.com/hazyhaar/presencewatch/observability"
	"github.com/hazyhaar/presencewatch/presence"
)

// Config holds the aggregator tunables.
type Config struct {
	// HistoryLimit bounds the status history. Default and maximum: 100.
	HistoryLimit int `yaml:"history_limit"`

	// AuthTimeout bounds a credential round-trip. Default: 15s.
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	// CredentialService is the connectivity service name of the
	// credential backend. Default: "credentials".
	CredentialService string `yaml:"credential_service"`
}

func (c *Config) defaults() {
	if c.HistoryLimit <= 0 || c.HistoryLimit > DefaultHistoryLimit {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 15 * time.Second
	}
	if c.CredentialService == "" {
		c.CredentialService = "credentials"
	}
}

// Instance is one monitored document known to the registry.
type Instance struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	LastStatus string    `json:"lastStatus,omitempty"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeen   time.Time `json:"lastSeen,omitzero"`
}

// Snapshot is a read-only view of the aggregator state.
type Snapshot struct {
	LastStatus string                 `json:"lastStatus"`
	LastUpdate int64                  `json:"lastUpdate"`
	History    []presence.StatusEvent `json:"statusHistory"`
	Instances  []Instance             `json:"instances"`
	Session    presence.AuthSession   `json:"session"`
}

// Aggregator tracks instances, status history and the auth session.
type Aggregator struct {
	cfg     Config
	store   *store.Store
	creds   Caller
	events  *observability.EventLogger
	metrics *observability.MetricsManager
	logger  *slog.Logger
	now     func() time.Time
	newID   idgen.Generator

	mu         sync.Mutex
	history    *History
	lastStatus string
	lastUpdate int64
	session    presence.AuthSession
	instances  map[string]*Instance
	order      []string
}

// Option configures an Aggregator.
type Option func(*Aggregator) error

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) error { a.logger = l; return nil }
}

// WithDB persists state in db (schema applied on open) and reloads it.
func WithDB(db *sql.DB) Option {
	return func(a *Aggregator) error {
		s, err := store.New(db)
		if err != nil {
			return err
		}
		a.store = s
		return nil
	}
}

// WithCredentials sets the credential service caller, usually a
// *connectivity.Router.
func WithCredentials(c Caller) Option {
	return func(a *Aggregator) error { a.creds = c; return nil }
}

// WithEventLogger records domain events and pings.
func WithEventLogger(el *observability.EventLogger) Option {
	return func(a *Aggregator) error { a.events = el; return nil }
}

// WithMetrics records transition and instance-count metrics.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(a *Aggregator) error { a.metrics = mm; return nil }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) error { a.now = now; return nil }
}

// WithIDGenerator sets the generator for events received without an id.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(a *Aggregator) error { a.newID = gen; return nil }
}

// New creates an Aggregator. With WithDB the persisted session, last status
// and history are reloaded.
func New(ctx context.Context, cfg Config, opts ...Option) (*Aggregator, error) {
	cfg.defaults()
	a := &Aggregator{
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
		newID:      idgen.Default,
		history:    NewHistory(cfg.HistoryLimit),
		lastStatus: presence.StatusUnknown,
		instances:  make(map[string]*Instance),
	}
	for _, o := range opts {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("aggregator: %w", err)
		}
	}

	if a.store != nil {
		st, err := a.store.Load(ctx, cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("aggregator: load state: %w", err)
		}
		for _, ev := range st.History {
			a.history.Append(ev)
		}
		a.lastStatus = st.LastStatus
		a.lastUpdate = st.LastUpdate
		a.session = st.Session
		a.logger.Info("aggregator: state restored",
			"history", a.history.Len(), "last_status", a.lastStatus,
			"authenticated", a.session.Authenticated)
	}
	return a, nil
}

// RecordStatus appends ev to the history, evicting the oldest entry beyond
// the bound, and updates lastStatus. Storage failures are logged only.
func (a *Aggregator) RecordStatus(ctx context.Context, ev presence.StatusEvent) {
	if ev.ID == "" {
		ev.ID = a.newID()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = a.now().UnixMilli()
	}

	a.mu.Lock()
	a.history.Append(ev)
	a.lastStatus = ev.Status
	a.lastUpdate = ev.Timestamp
	if inst, ok := a.instances[ev.InstanceID]; ok {
		inst.LastStatus = ev.Status
	}
	if a.store != nil {
		if err := a.store.AppendStatus(ctx, ev, a.cfg.HistoryLimit); err != nil {
			a.logger.Error("aggregator: persist status failed", "error", err, "event_id", ev.ID)
		}
	}
	a.mu.Unlock()

	a.logger.Info("aggregator: status recorded",
		"status", ev.Status, "status_id", ev.StatusID, "instance", ev.InstanceID)
	a.events.LogEvent(ctx, observability.Event{
		Type:       observability.EventStatusTransition,
		InstanceID: ev.InstanceID,
		Subject:    ev.Status,
		Details:    ev.StatusID,
		Success:    true,
		CreatedAt:  time.UnixMilli(ev.Timestamp),
	})
	a.metrics.Record(&observability.Metric{
		Name:      observability.MetricStatusTransitions,
		Timestamp: a.now(),
		Value:     1,
		Labels:    map[string]string{"status": ev.Status},
		Unit:      "count",
	})
}

// RegisterInstance adds id to the registry. Registering a known id only
// refreshes its URL. Reports whether the id was new.
func (a *Aggregator) RegisterInstance(ctx context.Context, id, url string) bool {
	if id == "" {
		return false
	}
	a.mu.Lock()
	if inst, ok := a.instances[id]; ok {
		if url != "" {
			inst.URL = url
		}
		a.mu.Unlock()
		return false
	}
	a.instances[id] = &Instance{ID: id, URL: url, JoinedAt: a.now()}
	a.order = append(a.order, id)
	n := len(a.order)
	a.mu.Unlock()

	a.logger.Info("aggregator: instance opened", "instance", id, "url", url, "active", n)
	a.events.LogEvent(ctx, observability.Event{Type: observability.EventInstanceOpened, InstanceID: id, Subject: url, Success: true})
	a.recordActive(n)
	return true
}

// RemoveInstance drops id from the registry. Unknown ids are a no-op.
// Reports whether the id was present.
func (a *Aggregator) RemoveInstance(ctx context.Context, id string) bool {
	a.mu.Lock()
	if _, ok := a.instances[id]; !ok {
		a.mu.Unlock()
		return false
	}
	delete(a.instances, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	n := len(a.order)
	a.mu.Unlock()

	a.logger.Info("aggregator: instance closed", "instance", id, "active", n)
	a.events.LogEvent(ctx, observability.Event{Type: observability.EventInstanceClosed, InstanceID: id, Success: true})
	a.recordActive(n)
	return true
}

// Ping notes a liveness ping from id. Pings never change membership.
func (a *Aggregator) Ping(ctx context.Context, id string) {
	now := a.now()
	a.mu.Lock()
	if inst, ok := a.instances[id]; ok {
		inst.LastSeen = now
	}
	a.mu.Unlock()
	a.logger.Debug("aggregator: liveness ping", "instance", id)
	a.events.LogPing(ctx, id, now)
}

// ActiveInstances returns the ids of open instances in registration order.
func (a *Aggregator) ActiveInstances() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Instances returns the open instances in registration order.
func (a *Aggregator) Instances() []Instance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instancesLocked()
}

func (a *Aggregator) instancesLocked() []Instance {
	out := make([]Instance, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.instances[id])
	}
	return out
}

// History returns the retained events, oldest first.
func (a *Aggregator) History() []presence.StatusEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history.Events()
}

// LastStatus returns the label of the latest recorded event, or "unknown".
func (a *Aggregator) LastStatus() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStatus
}

// Session returns the authentication session.
func (a *Aggregator) Session() presence.AuthSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Snapshot returns a consistent copy of the whole state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		LastStatus: a.lastStatus,
		LastUpdate: a.lastUpdate,
		History:    a.history.Events(),
		Instances:  a.instancesLocked(),
		Session:    a.session,
	}
}

func (a *Aggregator) recordActive(n int) {
	a.metrics.Record(&observability.Metric{
		Name:      observability.MetricActiveInstances,
		Timestamp: a.now(),
		Value:     float64(n),
		Unit:      "count",
	})
}
