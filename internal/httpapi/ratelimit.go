package httpapi

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hashpass/internal/hub"
)

const (
	// ratePerMinute bounds puzzle and verify calls per IP. Legitimate
	// clients fetch one puzzle and submit one proof per seed; anything
	// near this ceiling is a scraper.
	ratePerMinute = 30
	rateBurst     = 10

	limiterIdle = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipLimiter is a per-IP token bucket. Idle entries are dropped lazily so
// the map does not grow with every address that ever connected.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newIPLimiter() *ipLimiter {
	return &ipLimiter{entries: make(map[string]*limiterEntry)}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > 1024 {
		for ip, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(l.entries, ip)
			}
		}
	}

	e, ok := l.entries[ip]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(ratePerMinute)/60, rateBurst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

// rateLimited wraps a handler with the per-IP limiter.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := hub.RealIP(r)
		if !s.limiter.allow(ip) {
			s.log.Warnf("http", "rate limit exceeded for %s on %s", ip, r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next(w, r)
	}
}
