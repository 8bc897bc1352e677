// Package credstore is the in-process credential backend: operator
// accounts with bcrypt password hashes in SQLite. Its Handler speaks the
// credential service protocol (presence.Credentials in, presence.AuthResult
// out) and is registered on the connectivity router as the local strategy
// of the "credentials" service.
package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/presencewatch/connectivity"
	"github.com/hazyhaar/presencewatch/dbopen"
	"github.com/hazyhaar/presencewatch/presence"
)

// Schema is the operators table.
const Schema = `
CREATE TABLE IF NOT EXISTS operators (
    email         TEXT PRIMARY KEY,
    password_hash TEXT NOT NULL,
    created_at    INTEGER NOT NULL
);
`

// Result messages returned to the display.
const (
	MsgLoginOK       = "Login successful"
	MsgRegisterOK    = "Registration successful"
	MsgEmailTaken    = "Email already registered"
	MsgInvalidCreds  = "Invalid credentials"
	MsgInvalidInput  = "Invalid request"
	MsgUnknownAction = "Unknown action"
)

var (
	ErrEmailTaken         = errors.New("credstore: email already registered")
	ErrInvalidCredentials = errors.New("credstore: invalid credentials")
)

// Store holds operator accounts.
type Store struct {
	db     *sql.DB
	cost   int
	now    func() time.Time
	logger *slog.Logger
	// dummy is compared against when the email is unknown, so both
	// failure paths cost one bcrypt comparison.
	dummy []byte
}

// Option configures a Store.
type Option func(*Store)

// WithCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store and applies Schema to db.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("credstore: init schema: %w", err)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("presencewatch-dummy"), s.cost)
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}
	s.dummy = dummy
	return s, nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account. ErrEmailTaken when the email exists.
func (s *Store) Register(ctx context.Context, email, password string) error {
	email = normalize(email)
	if email == "" || password == "" {
		return fmt.Errorf("credstore: email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("credstore: hash: %w", err)
	}
	res, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO operators (email, password_hash, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		email, string(hash), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("credstore: register: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEmailTaken
	}
	s.logger.Info("credstore: operator registered", "email", email)
	return nil
}

// Login checks a password. ErrInvalidCredentials for an unknown email or
// a wrong password.
func (s *Store) Login(ctx context.Context, email, password string) error {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM operators WHERE email = ?`, normalize(email)).Scan(&hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		bcrypt.CompareHashAndPassword(s.dummy, []byte(password))
		return ErrInvalidCredentials
	case err != nil:
		return fmt.Errorf("credstore: login: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Count returns the number of accounts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("credstore: count: %w", err)
	}
	return n, nil
}

// Handler serves the credential service protocol. Rejections are answered
// with success=false; only storage failures return an error.
func (s *Store) Handler() connectivity.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		res, err := s.handle(ctx, payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}

func (s *Store) handle(ctx context.Context, payload []byte) (presence.AuthResult, error) {
	var creds presence.Credentials
	if err := json.Unmarshal(payload, &creds); err != nil || creds.Email == "" || creds.Password == "" {
		return presence.AuthResult{Message: MsgInvalidInput}, nil
	}

	switch creds.Action {
	case presence.ActionRegister:
		switch err := s.Register(ctx, creds.Email, creds.Password); {
		case errors.Is(err, ErrEmailTaken):
			return presence.AuthResult{Message: MsgEmailTaken}, nil
		case err != nil:
			return presence.AuthResult{}, err
		}
		return presence.AuthResult{Success: true, Message: MsgRegisterOK}, nil

	case presence.ActionLogin, "":
		switch err := s.Login(ctx, creds.Email, creds.Password); {
		case errors.Is(err, ErrInvalidCredentials):
			return presence.AuthResult{Message: MsgInvalidCreds}, nil
		case err != nil:
			return presence.AuthResult{}, err
		}
		return presence.AuthResult{Success: true, Message: MsgLoginOK}, nil
	}
	return presence.AuthResult{Message: MsgUnknownAction}, nil
}
