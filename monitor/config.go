// Package monitor attaches presence Observers to the monitored application's
// pages in a Chrome instance and reports instance lifecycle to the
// Aggregator over a bridge transport.
package monitor

import (
	"strings"
	"time"

	"github.com/hazyhaar/presencewatch/catalog"
)

// Config configures a Watcher.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of the operator's Chrome.
	// Empty launches a local Chrome.
	RemoteURL string `yaml:"remote_url"`
	Headless  bool   `yaml:"headless"`

	// MemoryLimitMB and RecycleInterval bound a launched Chrome.
	MemoryLimitMB   int64         `yaml:"memory_limit_mb"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`

	// MatchPatterns select the page targets to observe (substring of the URL).
	MatchPatterns []string `yaml:"match_patterns"`

	// Pages are opened in stealth tabs at start.
	Pages []string `yaml:"pages"`

	AckPattern       string   `yaml:"ack_pattern"`
	PresencePatterns []string `yaml:"presence_patterns"`
	Selectors        []string `yaml:"selectors"`

	AckRecheckDelay       time.Duration `yaml:"ack_recheck_delay"`
	PresenceRecheckDelay  time.Duration `yaml:"presence_recheck_delay"`
	InitialCheckDelay     time.Duration `yaml:"initial_check_delay"`
	NavigationSettleDelay time.Duration `yaml:"navigation_settle_delay"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`

	// LoadTimeout bounds the wait for a discovered page to finish loading.
	LoadTimeout time.Duration `yaml:"load_timeout"`

	Catalog *catalog.Catalog `yaml:"-"`
}

// DefaultMatchPatterns are the hosts of the monitored application.
var DefaultMatchPatterns = []string{"salesforce.com", "force.com"}

func (c *Config) defaults() {
	if len(c.MatchPatterns) == 0 {
		c.MatchPatterns = DefaultMatchPatterns
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 30 * time.Second
	}
	if c.Catalog == nil {
		c.Catalog = catalog.Default()
	}
}

// Matches reports whether url belongs to the monitored application.
func (c *Config) Matches(url string) bool {
	if url == "" {
		return false
	}
	for _, p := range c.MatchPatterns {
		if p != "" && strings.Contains(url, p) {
			return true
		}
	}
	return false
}
