package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepEvery is how many allow calls pass between stale-bucket sweeps.
const sweepEvery = 1024

// bucketIdleTTL is how long an IP's bucket survives without traffic.
const bucketIdleTTL = 10 * time.Minute

// ipLimiter hands each client IP its own token bucket. Buckets for idle IPs
// are swept on a request-count cadence rather than a timer, so the limiter
// needs no goroutine of its own.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	lastHit map[string]time.Time
	calls   uint64
}

// newIPLimiter creates a per-IP limiter refilling perSecond tokens up to
// burst.
func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
		lastHit: make(map[string]time.Time),
	}
}

// allow consumes one token from ip's bucket, creating it on first sight.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweepLocked(time.Now())
	}

	b := l.buckets[ip]
	if b == nil {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[ip] = b
	}
	l.lastHit[ip] = time.Now()
	return b.Allow()
}

// sweepLocked evicts buckets idle past the TTL. Caller holds mu.
func (l *ipLimiter) sweepLocked(now time.Time) {
	for ip, seen := range l.lastHit {
		if now.Sub(seen) > bucketIdleTTL {
			delete(l.buckets, ip)
			delete(l.lastHit, ip)
		}
	}
}

// middleware rejects requests from IPs that exhausted their bucket with 429
// and a Retry-After hint.
func (l *ipLimiter) middleware(trustProxy bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustProxy)
			if !l.allow(ip) {
				logger.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
				)
				w.Header().Set("Retry-After", "1")
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
