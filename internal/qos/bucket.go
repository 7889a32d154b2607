// Package qos implements the hierarchical token-bucket shaper: per-user
// bandwidth and connection caps, coordinated with the relay loop via
// cooperative backpressure rather than blocking the copy goroutines.
package qos

import (
	"sync"
	"time"
)

// TokenBucket is a single rate-limited byte allowance. Mutation is
// serialized per bucket behind a short critical section, matching the
// "fine-grained lock" option over a single global mutex for the shared-resource
// model (the CAS-loop alternative isn't worth the complexity here since
// refill and debit must be computed together).
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // bytes/sec; 0 means unlimited
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and
// refill rate, starting full.
func NewTokenBucket(capacityBytes uint64, refillRateBps float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacityBytes),
		refillRate: refillRateBps,
		tokens:     float64(capacityBytes),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Take attempts to reserve up to n bytes. A rate of 0 means unlimited
// and short-circuits straight to returning n with no wait. Otherwise it
// refills as min(capacity, tokens + elapsed*rate); if enough tokens are
// available it debits exactly n and returns immediately, otherwise it
// debits whatever is available (possibly 0) and suggests how long the
// caller should suspend before retrying for the remainder.
func (b *TokenBucket) Take(n uint64) (given uint64, wait time.Duration) {
	if b.refillRate == 0 {
		return n, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	want := float64(n)
	if b.tokens >= want {
		b.tokens -= want
		return n, 0
	}

	available := b.tokens
	b.tokens = 0
	remaining := want - available
	wait = time.Duration(remaining / b.refillRate * float64(time.Second))
	return uint64(available), wait
}

// Refund returns unused tokens to the bucket, capped at capacity. Used
// by the HTB hierarchy when a child reserves more from its own bucket
// than the parent group could ultimately grant.
func (b *TokenBucket) Refund(n uint64) {
	if b.refillRate == 0 || n == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.tokens += float64(n)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Tokens reports the current token count after applying refill, for
// metrics and tests.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}
