package auth

import (
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// AttemptLimiter throttles credential attempts per client address. The set
// of tracked addresses is bounded; the least recently seen are forgotten.
type AttemptLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewAttemptLimiter allows burst attempts and then limit per second for each
// address. A non-positive limit disables throttling.
func NewAttemptLimiter(limit float64, burst int) *AttemptLimiter {
	if burst < 1 {
		burst = 1
	}
	cache, _ := lru.New[string, *rate.Limiter](4096)
	return &AttemptLimiter{limit: rate.Limit(limit), burst: burst, limiters: cache}
}

// Allow reports whether the request's client may attempt a sign-in now.
func (l *AttemptLimiter) Allow(r *http.Request) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	key := ClientAddr(r)
	l.mu.Lock()
	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// ClientAddr is the host part of r.RemoteAddr.
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
