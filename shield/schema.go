package shield

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema holds the rate limit rules, keyed by "METHOD /path". The login
// and register endpoints are limited out of the box.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds)
VALUES ('POST /api/auth/login', 10, 60),
       ('POST /api/auth/register', 5, 300);
`

// Init creates the shield tables.
func Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("shield: init schema: %w", err)
	}
	return nil
}
