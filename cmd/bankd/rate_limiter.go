// rate_limiter.go - Per-client request rate limiting for the bank daemon
package main

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"privbank/internal/errs"
	"privbank/internal/metrics"
	"privbank/internal/transport"
)

// ClientRateLimiter keeps one token bucket per remote address.
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rps      rate.Limit
	burst    int
	idle     time.Duration
	metrics  *metrics.BankMetrics
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientRateLimiter creates a limiter allowing rps requests per second
// with the given burst for every remote address.
func NewClientRateLimiter(rps float64, burst int, m *metrics.BankMetrics) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters: make(map[string]*clientLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		metrics:  m,
	}
}

// Allow checks if a request from client is allowed
func (l *ClientRateLimiter) Allow(client string) bool {
	now := time.Now()
	l.mu.Lock()
	cl, ok := l.limiters[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[client] = cl
	}
	cl.lastSeen = now
	l.mu.Unlock()
	return cl.limiter.AllowN(now, 1)
}

// Sweep forgets clients idle for longer than the idle window.
func (l *ClientRateLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for client, cl := range l.limiters {
		if now.Sub(cl.lastSeen) > l.idle {
			delete(l.limiters, client)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *ClientRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// routeLabel keeps the first two path segments so user ids and contract
// addresses do not become label values.
func routeLabel(path string) string {
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}

// Middleware rejects requests over the limit with 429.
func (l *ClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(remoteHost(r)) {
			l.metrics.RecordThrottle(routeLabel(r.URL.Path))
			w.Header().Set("Retry-After", "1")
			transport.WriteErrorStatus(w, http.StatusTooManyRequests,
				errs.Transient("rate limit exceeded", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
