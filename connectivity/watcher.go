package connectivity

import (
	"context"
	"database/sql"
	"time"
)

// Watch keeps the router in step with the routes table until ctx ends. It
// reloads once, then polls PRAGMA data_version every interval and reloads
// whenever another connection has written to the database. A failed
// reload is retried on the next tick.
func (r *Router) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	if err := r.Reload(ctx, db); err != nil {
		r.logger.Error("connectivity: initial reload failed", "error", err)
	}
	seen, err := dataVersion(ctx, db)
	if err != nil {
		r.logger.Warn("connectivity: read data_version", "error", err)
	}

	r.logger.Info("connectivity: watching routes", "interval", interval)
	defer r.logger.Info("connectivity: stopped watching routes")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		v, err := dataVersion(ctx, db)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("connectivity: read data_version", "error", err)
			}
			continue
		}
		if v == seen {
			continue
		}
		r.logger.Debug("connectivity: routes table changed", "data_version", v)
		if err := r.Reload(ctx, db); err != nil {
			r.logger.Error("connectivity: reload failed", "error", err)
			continue
		}
		seen = v
	}
}

func dataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}
