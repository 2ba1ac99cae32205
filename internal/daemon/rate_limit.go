package daemon

import (
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Clients idle for longer than this lose their bucket.
const defaultRateLimitTTL = 10 * time.Minute

// IPRateLimiter gives every API client address its own token bucket.
type IPRateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	clients   map[netip.Addr]*rateClient
	nextSweep time.Time
}

type rateClient struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter returns nil, meaning unlimited, unless both qps and burst
// are positive.
func NewIPRateLimiter(qps float64, burst int) *IPRateLimiter {
	if qps <= 0 || burst <= 0 {
		return nil
	}
	return &IPRateLimiter{
		limit:   rate.Limit(qps),
		burst:   burst,
		ttl:     defaultRateLimitTTL,
		now:     time.Now,
		clients: make(map[netip.Addr]*rateClient),
	}
}

// Allow takes a token from the bucket of the client at remoteAddr
// ("host:port" or a bare address). Addresses that do not parse are refused.
func (l *IPRateLimiter) Allow(remoteAddr string) bool {
	if l == nil {
		return true
	}
	addr, ok := clientAddr(remoteAddr)
	if !ok {
		return false
	}
	now := l.now()
	return l.bucketFor(addr, now).AllowN(now, 1)
}

func (l *IPRateLimiter) bucketFor(addr netip.Addr, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !now.Before(l.nextSweep) {
		l.sweep(now)
	}
	c, ok := l.clients[addr]
	if !ok {
		c = &rateClient{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.clients[addr] = c
	}
	c.lastSeen = now
	return c.bucket
}

// sweep drops idle clients; callers hold mu.
func (l *IPRateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.ttl)
	for addr, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, addr)
		}
	}
	l.nextSweep = now.Add(l.ttl)
}

// Middleware rejects requests with 429 once the caller's bucket is empty.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Allow(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

func clientAddr(remoteAddr string) (netip.Addr, bool) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || addr.IsUnspecified() {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
