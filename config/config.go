// Package config loads the presencewatch YAML configuration shared by the
// presencewatch and presenced commands.
package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/presencewatch/aggregator"
	"github.com/hazyhaar/presencewatch/catalog"
	"github.com/hazyhaar/presencewatch/monitor"
)

// SecretEnv overrides Display.SessionSecret.
const SecretEnv = "SESSION_SECRET"

// Config is the top-level configuration.
type Config struct {
	Monitor    monitor.Config    `yaml:"monitor"`
	Aggregator aggregator.Config `yaml:"aggregator"`
	Display    DisplayConfig     `yaml:"display"`
	Storage    StorageConfig     `yaml:"storage"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Credential CredentialConfig  `yaml:"credential"`

	// Statuses replace or extend the built-in presence catalog.
	Statuses []catalog.Entry `yaml:"statuses"`
}

// DisplayConfig configures the operator API.
type DisplayConfig struct {
	Listen string `yaml:"listen"`
	// AllowedEmailDomain restricts operator emails, e.g. "@talabat.com".
	AllowedEmailDomain string        `yaml:"allowed_email_domain"`
	SessionSecret      string        `yaml:"session_secret"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	SecureCookie       bool          `yaml:"secure_cookie"`
}

// StorageConfig locates the SQLite databases.
type StorageConfig struct {
	// StateDB holds the aggregator state, operators, routes and rate limits.
	StateDB string `yaml:"state_db"`
	// ObservabilityDB holds heartbeats, business events and metrics.
	ObservabilityDB string `yaml:"observability_db"`
}

// BridgeConfig configures the message bridge.
type BridgeConfig struct {
	// URL of a remote presenced. Empty runs the aggregator in process.
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CredentialConfig configures the credential backend. When Endpoint is
// set, the "credentials" route is seeded with the http strategy. When it
// is empty, a stored route is deleted and the in-process store serves.
type CredentialConfig struct {
	Endpoint     string `yaml:"endpoint"`
	AllowPrivate bool   `yaml:"allow_private"`
	TimeoutMs    int    `yaml:"timeout_ms"`
	MaxRetries   int    `yaml:"max_retries"`
}

// LoadFile reads a YAML file, applies the environment overrides and the
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration. Unknown fields are errors.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if s := os.Getenv(SecretEnv); s != "" {
		cfg.Display.SessionSecret = s
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration of an empty file.
func Default() *Config {
	cfg, _ := Parse(nil)
	return cfg
}

func (c *Config) applyDefaults() error {
	if c.Display.Listen == "" {
		c.Display.Listen = "127.0.0.1:8420"
	}
	if c.Display.SessionTTL <= 0 {
		c.Display.SessionTTL = 12 * time.Hour
	}
	if c.Storage.StateDB == "" {
		c.Storage.StateDB = "data/presence.db"
	}
	if c.Storage.ObservabilityDB == "" {
		c.Storage.ObservabilityDB = "data/observability.db"
	}
	if c.Bridge.RequestTimeout <= 0 {
		c.Bridge.RequestTimeout = 20 * time.Second
	}
	if c.Credential.TimeoutMs <= 0 {
		c.Credential.TimeoutMs = 10_000
	}
	if c.Aggregator.HistoryLimit > aggregator.DefaultHistoryLimit {
		return fmt.Errorf("config: aggregator.history_limit %d exceeds %d",
			c.Aggregator.HistoryLimit, aggregator.DefaultHistoryLimit)
	}

	cat := catalog.Default()
	if len(c.Statuses) > 0 {
		var err error
		if cat, err = cat.WithOverrides(c.Statuses); err != nil {
			return fmt.Errorf("config: statuses: %w", err)
		}
	}
	c.Monitor.Catalog = cat
	return nil
}

// JWTSecret derives the 32-byte signing key from the session secret. It
// is nil when no secret is configured.
func (c *Config) JWTSecret() []byte {
	if c.Display.SessionSecret == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(c.Display.SessionSecret))
	return sum[:]
}

// CredentialRoute returns the routes row config for the http credential
// backend.
func (c *Config) CredentialRoute() map[string]any {
	return map[string]any{
		"timeout_ms":     c.Credential.TimeoutMs,
		"max_retries":    c.Credential.MaxRetries,
		"backoff_ms":     200,
		"fallback_local": false,
		"allow_private":  c.Credential.AllowPrivate,
	}
}
