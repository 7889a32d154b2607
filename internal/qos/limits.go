package qos

import (
	"fmt"
	"sync"
)

// ConnLimiter enforces per-user concurrent-connection and per-host
// connection caps. Both caps are optional (0 means unlimited) and are
// checked atomically together: a connection is admitted only if neither
// cap would be exceeded, so a caller never needs to roll back a partial
// acquire.
type ConnLimiter struct {
	mu           sync.Mutex
	maxTotal     int
	maxPerHost   int
	total        int
	perHost      map[string]int
}

// NewConnLimiter creates a limiter with the given caps. 0 disables a
// cap.
func NewConnLimiter(maxTotal, maxPerHost int) *ConnLimiter {
	return &ConnLimiter{
		maxTotal:   maxTotal,
		maxPerHost: maxPerHost,
		perHost:    make(map[string]int),
	}
}

// Acquire reserves a connection slot for host. Returns an error
// describing which cap was exceeded if admission is refused; the
// limiter's internal counters are unchanged on refusal.
func (c *ConnLimiter) Acquire(host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxTotal > 0 && c.total >= c.maxTotal {
		return fmt.Errorf("qos: concurrent connection limit (%d) reached", c.maxTotal)
	}
	if c.maxPerHost > 0 && c.perHost[host] >= c.maxPerHost {
		return fmt.Errorf("qos: per-host connection limit (%d) reached for %q", c.maxPerHost, host)
	}

	c.total++
	c.perHost[host]++
	return nil
}

// Release frees a previously acquired slot for host.
func (c *ConnLimiter) Release(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.total > 0 {
		c.total--
	}
	if n := c.perHost[host]; n > 1 {
		c.perHost[host] = n - 1
	} else {
		delete(c.perHost, host)
	}
}

// Active reports the current total connection count, for metrics.
func (c *ConnLimiter) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
