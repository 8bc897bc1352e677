package observer

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/presencewatch/presence"
)

// verdict is what the classifier decides for one resource record.
type verdict int

const (
	ignore verdict = iota
	emitActive
	recheck
)

// decision pairs a verdict with the recheck delay and a reason for logs.
type decision struct {
	verdict verdict
	delay   time.Duration
	reason  string
}

// classifier maps resource records to inference triggers. It holds no
// mutable state.
type classifier struct {
	ackPattern       string
	presencePatterns []string
	ackDelay         time.Duration
	presenceDelay    time.Duration
}

var ackTokenRe = regexp.MustCompile(`[?&]ack=([^&#]+)`)

// ackToken extracts the liveness-ack correlation token.
func ackToken(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		if v := u.Query().Get("ack"); v != "" {
			return v
		}
	}
	if m := ackTokenRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

func (c *classifier) classify(rec presence.ResourceRecord) decision {
	if c.ackPattern != "" && strings.Contains(rec.URL, c.ackPattern) {
		if ackToken(rec.URL) == "" {
			return decision{verdict: ignore}
		}
		switch rec.Status {
		case 0:
			return decision{verdict: emitActive, reason: "ack in flight"}
		case 204:
			return decision{verdict: recheck, delay: c.ackDelay, reason: "ack acknowledged"}
		}
		return decision{verdict: ignore}
	}

	for _, p := range c.presencePatterns {
		if p != "" && strings.Contains(rec.URL, p) {
			if rec.Status == 200 {
				return decision{verdict: recheck, delay: c.presenceDelay, reason: "presence query"}
			}
			return decision{verdict: ignore}
		}
	}
	return decision{verdict: ignore}
}
