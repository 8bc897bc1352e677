// Package connectivity reaches named external services, the credential
// backend first among them. A call is dispatched either to an in-process
// Handler or to a remote endpoint, as decided by a SQLite routes table that
// is reloaded while the process runs:
//
//	router := connectivity.New(connectivity.WithMetrics(mm))
//	router.RegisterTransport(connectivity.StrategyHTTP, connectivity.HTTPFactory())
//	router.RegisterLocal("credentials", store.Handler())
//	go router.Watch(ctx, db, 2*time.Second)
//
//	resp, err := router.Call(ctx, "credentials", payload)
//
// Switching the credential backend from the local store to a remote HTTP
// service is one UPDATE on the routes table.
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/presencewatch/observability"
)

// Route strategies.
const (
	StrategyLocal = "local"
	StrategyHTTP  = "http"
	StrategyNoop  = "noop"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds a Handler for a remote endpoint from the route's
// config JSON. The close function, which may be nil, runs when the route is
// removed or replaced.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

type route struct {
	ServiceName string
	Strategy    string
	Endpoint    string
	Config      json.RawMessage
}

// fingerprint changes whenever the route has to be rebuilt.
func (rt route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches service calls. Calls take a read lock; reloads take the
// write lock.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	remoteEntries map[string]remoteEntry
	routeSnap     map[string]route
	factories     map[string]TransportFactory
	logger        *slog.Logger
	metrics       *observability.MetricsManager
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics records the duration and failures of every call.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(r *Router) { r.metrics = mm }
}

// New creates a Router with no routes.
func New(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		remoteEntries: make(map[string]remoteEntry),
		routeSnap:     make(map[string]route),
		factories:     make(map[string]TransportFactory),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers the in-process handler for service. It serves
// calls when the route says "local" or when there is no route at all.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.localHandlers[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers the factory used for routes whose strategy
// equals protocol.
func (r *Router) RegisterTransport(protocol string, f TransportFactory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// Call dispatches a service call. Resolution order: noop route, remote
// route, local handler. Failures of the router itself are *CallError:
// ErrNotRoutable when nothing serves service, ErrPanicked when the handler
// panics.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remoteEntries[service]
	localH := r.localHandlers[service]
	snap, hasRoute := r.routeSnap[service]
	r.mu.RUnlock()

	if hasRoute && snap.Strategy == StrategyNoop {
		r.logger.DebugContext(ctx, "connectivity: routing noop", "service", service)
		return nil, nil
	}

	var (
		h        Handler
		strategy string
	)
	switch {
	case hasRemote:
		h, strategy = entry.handler, snap.Strategy
	case localH != nil:
		h, strategy = localH, StrategyLocal
	default:
		return nil, callError(service, ErrNotRoutable, "", nil)
	}

	r.logger.DebugContext(ctx, "connectivity: routing", "service", service, "strategy", strategy)
	start := time.Now()
	resp, err := Recovery(service, r.logger)(h)(ctx, payload)
	r.observe(service, strategy, start, err)
	return resp, err
}

// observe records the call duration and, on failure, an error count.
func (r *Router) observe(service, strategy string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	labels := map[string]string{"service": service, "strategy": strategy}
	r.metrics.Record(&observability.Metric{
		Name:      observability.MetricCredentialCallMs,
		Timestamp: start,
		Value:     float64(time.Since(start).Milliseconds()),
		Labels:    labels,
		Unit:      "milliseconds",
	})
	if err != nil {
		r.metrics.Record(&observability.Metric{
			Name:      observability.MetricCredentialErrors,
			Timestamp: start,
			Value:     1,
			Labels:    labels,
			Unit:      "count",
		})
	}
}

// Reload reads the routes table and rebuilds the remote handlers whose
// (strategy, endpoint, config) changed. Unchanged routes keep their
// handler and its connections.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes`)
	if err != nil {
		return fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	newRoutes := make(map[string]route)
	for rows.Next() {
		var rt route
		var cfgStr string
		if err := rows.Scan(&rt.ServiceName, &rt.Strategy, &rt.Endpoint, &cfgStr); err != nil {
			return fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Config = json.RawMessage(cfgStr)
		newRoutes[rt.ServiceName] = rt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("connectivity: rows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	newEntries := make(map[string]remoteEntry, len(newRoutes))
	for name, rt := range newRoutes {
		if rt.Strategy == StrategyLocal || rt.Strategy == StrategyNoop {
			continue
		}
		if old, ok := r.routeSnap[name]; ok && old.fingerprint() == rt.fingerprint() {
			if existing, exists := r.remoteEntries[name]; exists {
				newEntries[name] = existing
				continue
			}
		}

		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.Warn("connectivity: route skipped",
				"error", callError(name, ErrNoTransport, rt.Strategy, nil))
			continue
		}
		h, closeFn, err := factory(rt.Endpoint, rt.Config)
		if err != nil {
			r.logger.Error("connectivity: route skipped",
				"error", callError(name, ErrTransportFailed, rt.Strategy+" "+rt.Endpoint, err))
			continue
		}
		wrapped := ParsePolicy(rt.Config).Wrap(name, h, r.localHandlers[name], r.logger)
		newEntries[name] = remoteEntry{handler: wrapped, close: closeFn}
		r.logger.Info("connectivity: route built",
			"service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remoteEntries {
		if old.close == nil {
			continue
		}
		if _, still := newEntries[name]; !still {
			old.close()
			continue
		}
		if r.routeSnap[name].fingerprint() != newRoutes[name].fingerprint() {
			old.close()
		}
	}

	r.remoteEntries = newEntries
	r.routeSnap = newRoutes

	r.logger.Info("connectivity: routes reloaded",
		"total", len(newRoutes), "remote", len(newEntries), "local", countLocal(newRoutes))
	return nil
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.remoteEntries {
		if entry.close != nil {
			entry.close()
		}
	}
	r.remoteEntries = make(map[string]remoteEntry)
	r.routeSnap = make(map[string]route)
	return nil
}

func countLocal(routes map[string]route) int {
	n := 0
	for _, rt := range routes {
		if rt.Strategy == StrategyLocal {
			n++
		}
	}
	return n
}
