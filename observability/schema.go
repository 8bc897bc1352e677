package observability

import "database/sql"

// Schema is the DDL of the observability database. It is kept separate from
// the aggregator state database so bursts of pings never contend with state
// writes.
const Schema = `
-- Process heartbeats (presenced, presencewatch)
CREATE TABLE IF NOT EXISTS process_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    process_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    gc_count INTEGER,
    active_instances INTEGER
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_process_time
    ON process_heartbeats(process_name, timestamp DESC);

-- Liveness pings sent by Observers
CREATE TABLE IF NOT EXISTS instance_pings (
    ping_id TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pings_instance_time
    ON instance_pings(instance_id, timestamp DESC);

-- Timeseries
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

-- Domain events: status transitions, instance lifecycle, auth attempts
CREATE TABLE IF NOT EXISTS presence_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    instance_id TEXT,
    subject TEXT,
    details TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_presence_events_type
    ON presence_events(event_type, created_at DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
