package sterad

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// captureLimiter throttles capture submissions per client address.
type captureLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newCaptureLimiter(perMinute, burst int) *captureLimiter {
	return &captureLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		idle:    10 * time.Minute,
		clients: map[string]*limiterEntry{},
	}
}

// Allow reports whether the client behind r may submit another capture.
func (c *captureLimiter) Allow(r *http.Request) bool {
	key := clientKey(r)
	now := time.Now()

	c.mu.Lock()
	ent, ok := c.clients[key]
	if !ok {
		ent = &limiterEntry{lim: rate.NewLimiter(c.limit, c.burst)}
		c.clients[key] = ent
	}
	ent.lastSeen = now
	c.mu.Unlock()

	return ent.lim.AllowN(now, 1)
}

// sweep drops limiters idle for longer than the idle window.
func (c *captureLimiter) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, ent := range c.clients {
		if now.Sub(ent.lastSeen) > c.idle {
			delete(c.clients, k)
			n++
		}
	}
	return n
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
