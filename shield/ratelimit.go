package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rule is the limit of one endpoint.
type Rule struct {
	MaxRequests int
	Window      time.Duration
	Enabled     bool
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter counts requests per client IP and endpoint in fixed windows.
// Rules come from the rate_limits table; endpoints without a rule are not
// limited.
type RateLimiter struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[string]*bucket
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithRateLimitLogger sets the logger.
func WithRateLimitLogger(l *slog.Logger) RateLimitOption {
	return func(rl *RateLimiter) { rl.logger = l }
}

// WithRateLimitClock replaces time.Now.
func WithRateLimitClock(now func() time.Time) RateLimitOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter loads the rules of db. Run keeps them fresh.
func NewRateLimiter(ctx context.Context, db *sql.DB, opts ...RateLimitOption) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		logger:  slog.Default(),
		now:     time.Now,
		rules:   make(map[string]Rule),
		buckets: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(rl)
	}
	rl.Reload(ctx)
	return rl
}

// Run reloads the rules every minute and drops expired buckets every five
// minutes until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	reloadTick := time.NewTicker(time.Minute)
	gcTick := time.NewTicker(5 * time.Minute)
	defer reloadTick.Stop()
	defer gcTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadTick.C:
			rl.Reload(ctx)
		case <-gcTick.C:
			rl.gc()
		}
	}
}

// Reload reads the rules table. On error the previous rules stay.
func (rl *RateLimiter) Reload(ctx context.Context) {
	rows, err := rl.db.QueryContext(ctx,
		`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		rl.logger.Warn("shield: reload rate limits failed", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]Rule)
	for rows.Next() {
		var (
			endpoint       string
			maxReq, window int
			enabled        bool
		)
		if err := rows.Scan(&endpoint, &maxReq, &window, &enabled); err != nil {
			rl.logger.Warn("shield: bad rate limit row", "error", err)
			continue
		}
		rules[endpoint] = Rule{MaxRequests: maxReq, Window: time.Duration(window) * time.Second, Enabled: enabled}
	}
	if err := rows.Err(); err != nil {
		rl.logger.Warn("shield: reload rate limits failed", "error", err)
		return
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
	rl.logger.Debug("shield: rate limits reloaded", "count", len(rules))
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// Allow counts one request of ip on endpoint. When it is refused the
// second result is the time until the window resets.
func (rl *RateLimiter) Allow(ip, endpoint string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rule, ok := rl.rules[endpoint]
	if !ok || !rule.Enabled {
		return true, 0
	}
	key := ip + " " + endpoint
	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(rule.Window)}
		return true, 0
	}
	b.count++
	if b.count <= rule.MaxRequests {
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

// Middleware answers 429 with a JSON error once the caller exceeds the
// rule of "METHOD /path".
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		ok, retry := rl.Allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("shield: rate limited", "ip", ip, "endpoint", endpoint)
		secs := int(retry.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the first X-Forwarded-For hop, or the RemoteAddr host.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
