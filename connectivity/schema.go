package connectivity

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema holds one row per external service. config is a JSON object
// carrying the route's Policy plus options for its transport, such as
// allow_private for http.
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK (strategy IN ('local', 'http', 'noop')),
    endpoint     TEXT,
    config       TEXT NOT NULL DEFAULT '{}' CHECK (json_valid(config)),
    updated_at   INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TRIGGER IF NOT EXISTS routes_touch
AFTER UPDATE OF strategy, endpoint, config ON routes
BEGIN
    UPDATE routes SET updated_at = unixepoch() WHERE service_name = NEW.service_name;
END;
`

// Init applies Schema.
func Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("connectivity: init schema: %w", err)
	}
	return nil
}
