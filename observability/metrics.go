// Package observability records presencewatch telemetry in SQLite: Observer
// liveness pings, domain events (status transitions, instance lifecycle,
// authentication attempts), process heartbeats and timeseries metrics.
//
// Call Init on a dedicated database, then hand it to the constructors.
// Writes are best effort: a failing observability store never blocks
// presence tracking.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/presencewatch/dbopen"
)

// Metric names.
const (
	MetricCredentialCallMs  = "credentials.call.duration_ms"
	MetricCredentialErrors  = "credentials.call.error"
	MetricStatusTransitions = "presence.status.transitions"
	MetricActiveInstances   = "presence.instances.active"
)

// Metric is one timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string
}

// MetricsManager batches datapoints and writes them from its own
// goroutine, every flush interval or as soon as a batch is full. Record
// never touches the database, so it is safe to call under a caller's lock.
// Beyond 10 batches of backlog new datapoints are dropped.
type MetricsManager struct {
	db       *sql.DB
	batch    int
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending []*Metric
	dropped int

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewMetricsManager starts a manager writing batches of batchSize.
func NewMetricsManager(db *sql.DB, batchSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	mm := &MetricsManager{
		db:       db,
		batch:    batchSize,
		interval: flushInterval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go mm.run()
	return mm
}

// Record queues m. A nil manager ignores it.
func (mm *MetricsManager) Record(m *Metric) {
	if mm == nil {
		return
	}
	mm.mu.Lock()
	if len(mm.pending) >= 10*mm.batch {
		mm.dropped++
		mm.mu.Unlock()
		return
	}
	mm.pending = append(mm.pending, m)
	full := len(mm.pending) >= mm.batch
	mm.mu.Unlock()

	if full {
		select {
		case mm.kick <- struct{}{}:
		default:
		}
	}
}

// RecordSimple queues an unlabelled datapoint stamped now.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Unit: unit})
}

// Flush writes the datapoints pending at the time of the call.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	batch, dropped := mm.pending, mm.dropped
	mm.pending, mm.dropped = nil, 0
	mm.mu.Unlock()

	if dropped > 0 {
		mm.logger.Warn("observability: metrics dropped, backlog full", "dropped", dropped)
	}
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mm.write(ctx, batch); err != nil {
		mm.logger.Error("observability: write metrics", "count", len(batch), "error", err)
	}
}

func (mm *MetricsManager) write(ctx context.Context, batch []*Metric) error {
	return dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				b, _ := json.Marshal(m.Labels)
				labels = sql.NullString{String: string(b), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
				return fmt.Errorf("%s: %w", m.Name, err)
			}
		}
		return nil
	})
}

// Query returns up to limit datapoints named name, newest first.
func (mm *MetricsManager) Query(ctx context.Context, name string, limit int) ([]*Metric, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := mm.db.QueryContext(ctx, `
		SELECT metric_name, timestamp, value, labels, COALESCE(unit, '')
		FROM metrics_timeseries
		WHERE metric_name = ?
		ORDER BY timestamp DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ms     int64
			labels sql.NullString
		)
		if err := rows.Scan(&m.Name, &ms, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ms)
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Close writes what is pending and stops the writer.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) run() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
		case <-mm.kick:
		}
		mm.Flush()
	}
}
