// Package server assembles the aggregator side of presencewatch: state and
// observability databases, credential routing, the bridge, the display
// API and the MCP tools, all behind one chi router.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/presencewatch/aggregator"
	"github.com/hazyhaar/presencewatch/bridge"
	"github.com/hazyhaar/presencewatch/config"
	"github.com/hazyhaar/presencewatch/connectivity"
	"github.com/hazyhaar/presencewatch/credstore"
	"github.com/hazyhaar/presencewatch/dbopen"
	"github.com/hazyhaar/presencewatch/display"
	"github.com/hazyhaar/presencewatch/observability"
	"github.com/hazyhaar/presencewatch/shield"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// ErrNoSecret is returned when no session secret is configured.
var ErrNoSecret = errors.New("server: session secret required (set " + config.SecretEnv + " or display.session_secret)")

// Retention of the observability tables.
var Retention = observability.RetentionConfig{
	EventsDays:     30,
	PingsDays:      7,
	HeartbeatsDays: 7,
	MetricsDays:    30,
}

// Server owns every aggregator-side component.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	process string

	stateDB *sql.DB
	obsDB   *sql.DB

	metrics   *observability.MetricsManager
	events    *observability.EventLogger
	heartbeat *observability.Heartbeat

	router  *connectivity.Router
	creds   *credstore.Store
	agg     *aggregator.Aggregator
	bridge  *bridge.Bridge
	limiter *shield.RateLimiter
	api     *display.API
	mcp     *mcp.Server

	startOnce sync.Once
	stop      context.CancelFunc
	loops     sync.WaitGroup
	closeOnce sync.Once
}

// New opens the databases and wires the components. process names the
// heartbeat row ("presenced" or "presencewatch").
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, process string) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secret := cfg.JWTSecret()
	if secret == nil {
		return nil, ErrNoSecret
	}

	s := &Server{cfg: cfg, logger: logger, process: process}
	if err := s.open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.wire(ctx, secret); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) open(ctx context.Context) error {
	var err error
	s.stateDB, err = dbopen.Open(s.cfg.Storage.StateDB, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("server: state db: %w", err)
	}
	for _, initSchema := range []func(context.Context, *sql.DB) error{connectivity.Init, shield.Init} {
		if err := initSchema(ctx, s.stateDB); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	s.obsDB, err = dbopen.Open(s.cfg.Storage.ObservabilityDB, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("server: observability db: %w", err)
	}
	if err := observability.Init(s.obsDB); err != nil {
		return fmt.Errorf("server: observability schema: %w", err)
	}

	s.metrics = observability.NewMetricsManager(s.obsDB, 100, 5*time.Second, s.logger)
	s.events = observability.NewEventLogger(s.obsDB, observability.WithEventLogger(s.logger))

	s.creds, err = credstore.New(ctx, s.stateDB, credstore.WithLogger(s.logger))
	if err != nil {
		return err
	}
	return nil
}

func (s *Server) wire(ctx context.Context, secret []byte) error {
	service := s.cfg.Aggregator.CredentialService
	if service == "" {
		service = "credentials"
	}

	s.router = connectivity.New(connectivity.WithLogger(s.logger), connectivity.WithMetrics(s.metrics))
	s.router.RegisterLocal(service, s.creds.Handler())
	s.router.RegisterTransport(connectivity.StrategyHTTP, connectivity.HTTPFactory())

	admin := connectivity.NewAdmin(s.stateDB)
	if s.cfg.Credential.Endpoint != "" {
		routeCfg, _ := json.Marshal(s.cfg.CredentialRoute())
		if err := admin.UpsertRoute(ctx, service, connectivity.StrategyHTTP, s.cfg.Credential.Endpoint, routeCfg); err != nil {
			return fmt.Errorf("server: credential route: %w", err)
		}
	} else if err := admin.DeleteRoute(ctx, service); err != nil && !errors.Is(err, connectivity.ErrRouteNotFound) {
		return fmt.Errorf("server: credential route: %w", err)
	}
	if err := s.router.Reload(ctx, s.stateDB); err != nil {
		return fmt.Errorf("server: load routes: %w", err)
	}

	var err error
	s.agg, err = aggregator.New(ctx, s.cfg.Aggregator,
		aggregator.WithLogger(s.logger),
		aggregator.WithDB(s.stateDB),
		aggregator.WithCredentials(s.router),
		aggregator.WithEventLogger(s.events),
		aggregator.WithMetrics(s.metrics))
	if err != nil {
		return err
	}

	s.heartbeat = observability.NewHeartbeat(s.obsDB, s.process,
		observability.WithHeartbeatLogger(s.logger),
		observability.WithInstanceCounter(func() int { return len(s.agg.ActiveInstances()) }))

	s.bridge = bridge.New(bridge.WithLogger(s.logger), bridge.WithRequestTimeout(s.cfg.Bridge.RequestTimeout))
	s.agg.Register(s.bridge)

	s.limiter = shield.NewRateLimiter(ctx, s.stateDB, shield.WithRateLimitLogger(s.logger))
	client := display.NewClient(s.bridge, display.WithAllowedDomain(s.cfg.Display.AllowedEmailDomain))
	s.api = display.NewAPI(client, s.agg, display.APIConfig{
		Secret:       secret,
		SessionTTL:   s.cfg.Display.SessionTTL,
		SecureCookie: s.cfg.Display.SecureCookie,
	}, display.WithAPILogger(s.logger), display.WithRateLimiter(s.limiter))

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "presencewatch", Version: Version}, nil)
	s.agg.RegisterMCP(s.mcp)
	connectivity.RegisterMCP(s.mcp, s.router, admin)
	return nil
}

// Bridge is the in-process transport to the aggregator.
func (s *Server) Bridge() *bridge.Bridge { return s.bridge }

// Aggregator returns the aggregator.
func (s *Server) Aggregator() *aggregator.Aggregator { return s.agg }

// Router returns the credential router.
func (s *Server) Router() *connectivity.Router { return s.router }

// Handler serves the bridge transport, the display API and MCP:
//
//	/bridge/*   bridge HTTP transport
//	/api/*      display API
//	/health
//	/mcp        MCP streamable HTTP
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	s.bridge.Routes(r)
	s.api.Routes(r)
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
	r.Handle("/mcp", mcpHandler)
	r.Handle("/mcp/*", mcpHandler)
	return r
}

// Start launches the background loops: process heartbeat, route watcher,
// rate limit reloader and observability retention. They stop with ctx or
// Close.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.stop = context.WithCancel(ctx)
		for _, loop := range []func(context.Context){
			s.heartbeat.Run,
			func(ctx context.Context) { s.router.Watch(ctx, s.stateDB, 2*time.Second) },
			s.limiter.Run,
			s.retain,
		} {
			s.loops.Add(1)
			go func() {
				defer s.loops.Done()
				loop(ctx)
			}()
		}
	})
}

func (s *Server) retain(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if err := observability.Cleanup(ctx, s.obsDB, Retention); err != nil && ctx.Err() == nil {
			s.logger.Warn("server: observability cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ListenAndServe starts the background loops and serves Handler on the
// configured address until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.Start(ctx)
	srv := &http.Server{
		Addr:              s.cfg.Display.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Held-open authenticate requests last up to the bridge timeout.
		WriteTimeout: s.cfg.Bridge.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info("server: stopped")
	return nil
}

// Close releases every component. Safe to call more than once.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.bridge != nil {
			s.bridge.Close()
		}
		if s.stop != nil {
			s.stop()
			s.loops.Wait()
		}
		if s.router != nil {
			errs = append(errs, s.router.Close())
		}
		if s.metrics != nil {
			errs = append(errs, s.metrics.Close())
		}
		if s.stateDB != nil {
			errs = append(errs, s.stateDB.Close())
		}
		if s.obsDB != nil {
			errs = append(errs, s.obsDB.Close())
		}
	})
	return errors.Join(errs...)
}
