// Package middleware holds HTTP middleware for the ops API.
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter throttles API clients with a per-host token bucket. Manual
// metric runs hit source databases, so an unthrottled caller could hammer
// them through the API.
type RateLimiter struct {
	mu             sync.Mutex
	buckets        map[string]*bucket
	requestsPerMin int

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows requestsPerMin requests per client host per minute.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	rl := &RateLimiter{
		buckets:        map[string]*bucket{},
		requestsPerMin: requestsPerMin,
		stop:           make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Wrap enforces the limit around a handler. Over-limit requests get a 429.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientHost(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) allow(host string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[host]
	if !ok {
		rl.buckets[host] = &bucket{tokens: rl.requestsPerMin - 1, lastRefill: now}
		return true
	}

	refill := int(now.Sub(b.lastRefill).Minutes() * float64(rl.requestsPerMin))
	if refill > 0 {
		b.tokens = min(rl.requestsPerMin, b.tokens+refill)
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// sweep drops hosts that have been quiet long enough to hold a full bucket
// anyway.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for host, b := range rl.buckets {
				if now.Sub(b.lastRefill) > 10*time.Minute {
					delete(rl.buckets, host)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
