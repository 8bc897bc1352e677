package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// Heartbeat periodically records that a process (presenced or
// presencewatch) is alive, with its runtime health and the number of
// Observer instances the aggregator currently tracks.
type Heartbeat struct {
	db        *sql.DB
	process   string
	hostname  string
	pid       int
	interval  time.Duration
	instances func() int
	now       func() time.Time
	logger    *slog.Logger
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithHeartbeatInterval sets the period between rows. Default 30s.
func WithHeartbeatInterval(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) { h.interval = d }
}

// WithInstanceCounter reports the active instance count in every row.
func WithInstanceCounter(fn func() int) HeartbeatOption {
	return func(h *Heartbeat) { h.instances = fn }
}

// WithHeartbeatLogger sets the logger.
func WithHeartbeatLogger(l *slog.Logger) HeartbeatOption {
	return func(h *Heartbeat) { h.logger = l }
}

// WithHeartbeatClock replaces time.Now.
func WithHeartbeatClock(now func() time.Time) HeartbeatOption {
	return func(h *Heartbeat) { h.now = now }
}

// NewHeartbeat creates a heartbeat for process.
func NewHeartbeat(db *sql.DB, process string, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		db:       db,
		process:  process,
		hostname: "unknown",
		pid:      os.Getpid(),
		interval: 30 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
	}
	if name, err := os.Hostname(); err == nil {
		h.hostname = name
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run writes a row at once and then every interval until ctx ends.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.logger.Error("observability: heartbeat failed", "process", h.process, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Beat writes one row.
func (h *Heartbeat) Beat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	var instances sql.NullInt64
	if h.instances != nil {
		instances = sql.NullInt64{Int64: int64(h.instances()), Valid: true}
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO process_heartbeats
		    (process_name, hostname, pid, timestamp, goroutines_count, memory_alloc_mb, gc_count, active_instances)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.process, h.hostname, h.pid, h.now().Unix(),
		runtime.NumGoroutine(), float64(mem.Alloc)/(1<<20), mem.NumGC, instances)
	if err != nil {
		return fmt.Errorf("observability: heartbeat: %w", err)
	}
	return nil
}

// ProcessStatus is the newest heartbeat of a process.
type ProcessStatus struct {
	Process         string    `json:"process"`
	Hostname        string    `json:"hostname"`
	PID             int       `json:"pid"`
	Timestamp       time.Time `json:"timestamp"`
	Goroutines      int       `json:"goroutines"`
	AllocMB         float64   `json:"alloc_mb"`
	ActiveInstances int       `json:"active_instances"`
	Alive           bool      `json:"alive"`
}

// LatestHeartbeat returns the newest heartbeat of process, nil when it
// never beat. Alive means the row is younger than staleAfter.
func LatestHeartbeat(ctx context.Context, db *sql.DB, process string, staleAfter time.Duration) (*ProcessStatus, error) {
	var (
		ps ProcessStatus
		ts int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT process_name, hostname, pid, timestamp,
		       COALESCE(goroutines_count, 0), COALESCE(memory_alloc_mb, 0), COALESCE(active_instances, 0)
		FROM process_heartbeats
		WHERE process_name = ?
		ORDER BY timestamp DESC LIMIT 1`, process).
		Scan(&ps.Process, &ps.Hostname, &ps.PID, &ts, &ps.Goroutines, &ps.AllocMB, &ps.ActiveInstances)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	ps.Timestamp = time.Unix(ts, 0)
	ps.Alive = time.Since(ps.Timestamp) <= staleAfter
	return &ps, nil
}
