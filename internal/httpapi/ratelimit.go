package httpapi

import (
	"expvar"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

var rateLimited = expvar.NewInt("ingress_rate_limited_total")

type RateLimitConfig struct {
	IPPerMinute int
	IPBurst     int
}

// RateLimiter throttles ingress per transport host, so a looping bridge
// cannot flood the batch queue.
type RateLimiter struct {
	clients *clientLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{clients: newClientLimiter(cfg.IPPerMinute, cfg.IPBurst)}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := remoteHost(r)
		if host != "" && !l.clients.allow(host, time.Now()) {
			rateLimited.Add(1)
			w.Header().Set("Retry-After", "1")
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiter keeps one allowance per host. A host idle long enough to
// refill completely is forgotten, since a fresh allowance is identical.
type clientLimiter struct {
	mu        sync.Mutex
	perSecond float64
	burst     float64
	idleAfter time.Duration
	lastSweep time.Time
	clients   map[string]*allowance
}

type allowance struct {
	tokens float64
	seen   time.Time
}

func newClientLimiter(perMinute, burst int) *clientLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	perSecond := float64(perMinute) / 60
	return &clientLimiter{
		perSecond: perSecond,
		burst:     float64(burst),
		idleAfter: time.Duration(float64(burst) / perSecond * float64(time.Second)),
		clients:   make(map[string]*allowance),
	}
}

func (l *clientLimiter) allow(host string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.idleAfter {
		l.sweep(now)
	}

	a, ok := l.clients[host]
	if !ok {
		a = &allowance{tokens: l.burst, seen: now}
		l.clients[host] = a
	}
	if elapsed := now.Sub(a.seen); elapsed > 0 {
		a.tokens = min(l.burst, a.tokens+elapsed.Seconds()*l.perSecond)
	}
	a.seen = now
	if a.tokens < 1 {
		return false
	}
	a.tokens--
	return true
}

func (l *clientLimiter) sweep(now time.Time) {
	for host, a := range l.clients {
		if now.Sub(a.seen) >= l.idleAfter {
			delete(l.clients, host)
		}
	}
	l.lastSweep = now
}

func (l *clientLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// remoteHost prefers the first X-Forwarded-For hop set by the ingress proxy.
func remoteHost(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
