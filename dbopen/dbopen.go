// Package dbopen opens the SQLite files of presencewatch: the state
// database (session, history, routes, operators, rate limits) and the
// observability database. Every pooled connection gets the same pragmas
// through the DSN, so settings hold whichever connection database/sql
// hands out.
//
//	db, err := dbopen.Open("data/presence.db", dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
//
// Tests use OpenMemory, which is closed by t.Cleanup.
package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

// Driver is the database/sql name of modernc.org/sqlite.
const Driver = "sqlite"

const memory = ":memory:"

type options struct {
	busyTimeoutMs int
	synchronous   string
	mkdirAll      bool
	schemas       []string
}

// Option customises Open.
type Option func(*options)

// WithBusyTimeout sets busy_timeout in milliseconds. Default 10000.
func WithBusyTimeout(ms int) Option { return func(o *options) { o.busyTimeoutMs = ms } }

// WithSynchronous sets the synchronous pragma. Default NORMAL.
func WithSynchronous(mode string) Option { return func(o *options) { o.synchronous = mode } }

// WithMkdirAll creates the directory holding the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSchema runs an idempotent schema script once the database is open.
// Repeatable; scripts run in order.
func WithSchema(script string) Option {
	return func(o *options) { o.schemas = append(o.schemas, script) }
}

// dsn appends the pragmas as _pragma parameters understood by the driver.
func (o options) dsn(path string) string {
	q := url.Values{}
	for _, p := range []string{
		"foreign_keys(1)",
		"journal_mode(WAL)",
		fmt.Sprintf("busy_timeout(%d)", o.busyTimeoutMs),
		"synchronous(" + o.synchronous + ")",
	} {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// Open opens the database at path and applies the WithSchema scripts.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeoutMs: 10_000, synchronous: "NORMAL"}
	for _, fn := range opts {
		fn(&o)
	}

	if o.mkdirAll && path != memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: create directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open(Driver, o.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("dbopen: %s: %w", path, err)
	}
	if path == memory {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: %s: %w", path, err)
	}
	for i, script := range o.schemas {
		if _, err := db.ExecContext(ctx, script); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: schema %d: %w", path, i+1, err)
		}
	}
	return db, nil
}

// OpenMemory opens a private in-memory database for a test.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memory, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
