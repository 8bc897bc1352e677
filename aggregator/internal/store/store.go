// Package store persists the aggregator state: the authentication session,
// the last status label and the bounded status history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/hazyhaar/presencewatch/dbopen"
	"github.com/hazyhaar/presencewatch/presence"
)

// Schema creates the state tables and seeds the default state on first open.
const Schema = `
CREATE TABLE IF NOT EXISTS presence_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
INSERT OR IGNORE INTO presence_state (key, value) VALUES
    ('isAuthenticated', 'false'),
    ('userEmail', ''),
    ('lastStatus', 'unknown'),
    ('lastUpdate', '0');

CREATE TABLE IF NOT EXISTS status_history (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL,
    instance_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    status_id TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL
);
`

const (
	keyAuthenticated = "isAuthenticated"
	keyEmail         = "userEmail"
	keyLastStatus    = "lastStatus"
	keyLastUpdate    = "lastUpdate"
)

// Store reads and writes aggregator state.
type Store struct {
	db *sql.DB
}

// New applies Schema to db and returns a Store.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// State is everything the aggregator reloads at startup.
type State struct {
	Session    presence.AuthSession
	LastStatus string
	LastUpdate int64
	History    []presence.StatusEvent
}

// Load reads the persisted state. History is time-ascending.
func (s *Store) Load(ctx context.Context, historyLimit int) (State, error) {
	st := State{LastStatus: presence.StatusUnknown}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM presence_state`)
	if err != nil {
		return st, fmt.Errorf("store: load state: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return st, fmt.Errorf("store: scan state: %w", err)
		}
		switch k {
		case keyAuthenticated:
			st.Session.Authenticated = v == "true"
		case keyEmail:
			st.Session.Email = v
		case keyLastStatus:
			st.LastStatus = v
		case keyLastUpdate:
			st.LastUpdate, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("store: state rows: %w", err)
	}

	st.History, err = s.History(ctx, historyLimit)
	return st, err
}

// SaveSession persists the authentication session.
func (s *Store) SaveSession(ctx context.Context, sess presence.AuthSession) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := setKey(ctx, tx, keyAuthenticated, strconv.FormatBool(sess.Authenticated)); err != nil {
			return err
		}
		return setKey(ctx, tx, keyEmail, sess.Email)
	})
}

// AppendStatus stores ev, updates lastStatus and trims the history to the
// newest limit rows, in one transaction.
func (s *Store) AppendStatus(ctx context.Context, ev presence.StatusEvent, limit int) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO status_history (event_id, instance_id, status, status_id, url, timestamp)
			VALUES (?,?,?,?,?,?)`,
			ev.ID, ev.InstanceID, ev.Status, ev.StatusID, ev.URL, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("store: insert history: %w", err)
		}
		if limit > 0 {
			_, err = tx.ExecContext(ctx, `
				DELETE FROM status_history WHERE seq NOT IN (
					SELECT seq FROM status_history ORDER BY seq DESC LIMIT ?)`, limit)
			if err != nil {
				return fmt.Errorf("store: trim history: %w", err)
			}
		}
		if err := setKey(ctx, tx, keyLastStatus, ev.Status); err != nil {
			return err
		}
		return setKey(ctx, tx, keyLastUpdate, strconv.FormatInt(ev.Timestamp, 10))
	})
}

// History returns up to limit of the newest events, oldest first.
func (s *Store) History(ctx context.Context, limit int) ([]presence.StatusEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, instance_id, status, status_id, url, timestamp FROM (
			SELECT * FROM status_history ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []presence.StatusEvent
	for rows.Next() {
		var ev presence.StatusEvent
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.Status, &ev.StatusID, &ev.URL, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func setKey(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO presence_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}
