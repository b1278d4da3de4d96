package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RequestGuard is a coarse per-client token bucket applied in front of the
// API, independent of the failure-window limiter. It exists to stop request
// hammering before any parsing happens; its limits are generous enough that
// legitimate clients never see it.
type RequestGuard struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	entries map[string]*guardEntry
}

type guardEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRequestGuard creates a guard allowing limit requests per second with
// the given burst per client. Idle clients are evicted after ttl.
func NewRequestGuard(limit rate.Limit, burst int, ttl time.Duration) *RequestGuard {
	return &RequestGuard{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*guardEntry),
	}
}

// Allow reports whether a request from the client may proceed.
func (g *RequestGuard) Allow(client string) bool {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.entries[client]
	if e == nil {
		e = &guardEntry{lim: rate.NewLimiter(g.limit, g.burst)}
		g.entries[client] = e
	}
	e.lastSeen = now

	for k, v := range g.entries {
		if now.Sub(v.lastSeen) > g.ttl {
			delete(g.entries, k)
		}
	}
	return e.lim.Allow()
}

// ClientIP extracts the client key for rate limiting. The service runs
// behind a reverse proxy, so X-Forwarded-For takes precedence over the
// remote address.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
