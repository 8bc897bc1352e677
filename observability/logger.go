package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/presencewatch/idgen"
)

// Event types written by the aggregator.
const (
	EventStatusTransition = "status_transition"
	EventInstanceOpened   = "instance_opened"
	EventInstanceClosed   = "instance_closed"
	EventAuthAttempt      = "auth_attempt"
	EventLogout           = "logout"
)

// Event is a domain event to record.
type Event struct {
	Type       string
	InstanceID string
	Subject    string // status label, email, ...
	Details    string // optional JSON
	Success    bool
	CreatedAt  time.Time
}

// EventLogger writes presence events and liveness pings. All writes are
// best effort: failures are logged and never reach the caller.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets the id generator for events and pings.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventLogger sets the slog logger used for write failures.
func WithEventLogger(lg *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = lg }
}

// NewEventLogger creates a logger backed by an observability database
// initialised with Init.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records ev. A nil receiver is a no-op.
func (l *EventLogger) LogEvent(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO presence_events (event_id, event_type, instance_id, subject, details, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		l.newID(), ev.Type, ev.InstanceID, ev.Subject, ev.Details, ev.Success, at.UnixMilli())
	if err != nil {
		l.logger.Warn("observability: event log failed", "error", err, "event_type", ev.Type)
	}
}

// LogPing records a liveness ping from an Observer. A nil receiver is a no-op.
func (l *EventLogger) LogPing(ctx context.Context, instanceID string, at time.Time) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO instance_pings (ping_id, instance_id, timestamp) VALUES (?,?,?)`,
		l.newID(), instanceID, at.UnixMilli())
	if err != nil {
		l.logger.Warn("observability: ping log failed", "error", err, "instance", instanceID)
	}
}

// RecentEvents returns up to limit events of the given type, newest first.
// An empty type matches every event.
func (l *EventLogger) RecentEvents(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT event_type, COALESCE(instance_id,''), COALESCE(subject,''), COALESCE(details,''), success, created_at
		FROM presence_events`
	args := []any{}
	if eventType != "" {
		q += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ms int64
		if err := rows.Scan(&ev.Type, &ev.InstanceID, &ev.Subject, &ev.Details, &ev.Success, &ms); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(ms)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastPing returns the time of the latest ping of instanceID, or the zero
// time when none was recorded.
func (l *EventLogger) LastPing(ctx context.Context, instanceID string) (time.Time, error) {
	var ms sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM instance_pings WHERE instance_id = ?`, instanceID).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("observability: last ping: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64), nil
}

// RetentionConfig is the per-table retention in days. Zero keeps everything.
type RetentionConfig struct {
	EventsDays     int
	PingsDays      int
	HeartbeatsDays int
	MetricsDays    int
}

// Cleanup deletes rows older than the configured retention.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now()
	targets := []struct {
		query  string
		days   int
		millis bool
	}{
		{`DELETE FROM presence_events WHERE created_at < ?`, cfg.EventsDays, true},
		{`DELETE FROM instance_pings WHERE timestamp < ?`, cfg.PingsDays, true},
		{`DELETE FROM process_heartbeats WHERE timestamp < ?`, cfg.HeartbeatsDays, false},
		{`DELETE FROM metrics_timeseries WHERE timestamp < ?`, cfg.MetricsDays, true},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -t.days)
		arg := cutoff.Unix()
		if t.millis {
			arg = cutoff.UnixMilli()
		}
		if _, err := db.ExecContext(ctx, t.query, arg); err != nil {
			return fmt.Errorf("observability: cleanup: %w", err)
		}
	}
	return nil
}
