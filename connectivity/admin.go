package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/presencewatch/horosafe"
)

// Admin edits the routes table. Watch picks the changes up, so callers
// never need to Reload by hand.
type Admin struct {
	db *sql.DB
}

// NewAdmin creates an Admin on a database initialised with Init.
func NewAdmin(db *sql.DB) *Admin {
	return &Admin{db: db}
}

// RouteRow is one row of the routes table.
type RouteRow struct {
	ServiceName string          `json:"service_name"`
	Strategy    string          `json:"strategy"`
	Endpoint    string          `json:"endpoint,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	UpdatedAt   int64           `json:"updated_at"`
}

// ErrRouteNotFound is returned when a route to change does not exist.
var ErrRouteNotFound = errors.New("connectivity: route not found")

const selectRoute = `SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}'), updated_at FROM routes`

// ListRoutes returns every route ordered by service name.
func (a *Admin) ListRoutes(ctx context.Context) ([]RouteRow, error) {
	rows, err := a.db.QueryContext(ctx, selectRoute+` ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("connectivity: list routes: %w", err)
	}
	defer rows.Close()

	var out []RouteRow
	for rows.Next() {
		rr, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// GetRoute returns the route of service, or ErrRouteNotFound.
func (a *Admin) GetRoute(ctx context.Context, service string) (RouteRow, error) {
	rr, err := scanRoute(a.db.QueryRowContext(ctx, selectRoute+` WHERE service_name = ?`, service))
	if errors.Is(err, sql.ErrNoRows) {
		return RouteRow{}, ErrRouteNotFound
	}
	return rr, err
}

type scanner interface{ Scan(dest ...any) error }

func scanRoute(s scanner) (RouteRow, error) {
	var rr RouteRow
	var cfg string
	if err := s.Scan(&rr.ServiceName, &rr.Strategy, &rr.Endpoint, &cfg, &rr.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RouteRow{}, err
		}
		return RouteRow{}, fmt.Errorf("connectivity: scan route: %w", err)
	}
	rr.Config = json.RawMessage(cfg)
	return rr, nil
}

// UpsertRoute creates or replaces the route of service.
func (a *Admin) UpsertRoute(ctx context.Context, service, strategy, endpoint string, config json.RawMessage) error {
	if err := horosafe.ValidateIdentifier(service); err != nil {
		return fmt.Errorf("connectivity: upsert route: %w", err)
	}
	if err := validStrategy(strategy); err != nil {
		return err
	}
	if strategy == StrategyHTTP && endpoint == "" {
		return fmt.Errorf("connectivity: upsert route: http strategy needs an endpoint")
	}
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	if !json.Valid(config) {
		return fmt.Errorf("connectivity: upsert route: config is not valid JSON")
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO routes (service_name, strategy, endpoint, config)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(service_name) DO UPDATE SET
		     strategy = excluded.strategy,
		     endpoint = excluded.endpoint,
		     config   = excluded.config`,
		service, strategy, endpoint, string(config))
	if err != nil {
		return fmt.Errorf("connectivity: upsert route: %w", err)
	}
	return nil
}

// DeleteRoute removes the route of service; calls fall back to the local
// handler.
func (a *Admin) DeleteRoute(ctx context.Context, service string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM routes WHERE service_name = ?`, service)
	if err != nil {
		return fmt.Errorf("connectivity: delete route: %w", err)
	}
	return mustAffect(res)
}

func mustAffect(res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRouteNotFound
	}
	return nil
}

func validStrategy(s string) error {
	switch s {
	case StrategyLocal, StrategyHTTP, StrategyNoop:
		return nil
	}
	return fmt.Errorf("connectivity: unknown strategy %q", s)
}
