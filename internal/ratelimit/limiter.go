// Package ratelimit provides token buckets for packet logging and
// control-plane request throttling.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/ipclient/internal/clock"
)

// TokenBucket refills one token every fill interval up to its capacity.
// Tokens are whole units, so at most capacity + elapsed/interval tokens
// can be taken in any window.
type TokenBucket struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	capacity int
	tokens   int
	lastFill time.Time
}

// NewTokenBucket creates a full bucket filling at ratePerSecond up to burst.
func NewTokenBucket(ratePerSecond, burst int, c clock.Clock) *TokenBucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	c = clock.Or(c)
	return &TokenBucket{
		clock:    c,
		interval: time.Second / time.Duration(ratePerSecond),
		capacity: burst,
		tokens:   burst,
		lastFill: c.Now(),
	}
}

// Get takes one token, reporting false if the bucket is empty.
func (b *TokenBucket) Get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fill()
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Available returns the current token count after refilling.
func (b *TokenBucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fill()
	return b.tokens
}

func (b *TokenBucket) fill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastFill)
	if elapsed < b.interval {
		return
	}
	n := int(elapsed / b.interval)
	b.lastFill = b.lastFill.Add(time.Duration(n) * b.interval)
	b.tokens += n
	if b.tokens >= b.capacity {
		b.tokens = b.capacity
		b.lastFill = now
	}
}

// Limiter manages one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	rate    int
	burst   int
	clock   clock.Clock
}

// NewLimiter creates a keyed limiter whose buckets fill at ratePerSecond up to burst.
func NewLimiter(ratePerSecond, burst int, c clock.Clock) *Limiter {
	return &Limiter{
		buckets: make(map[string]*TokenBucket),
		rate:    ratePerSecond,
		burst:   burst,
		clock:   clock.Or(c),
	}
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = NewTokenBucket(l.rate, l.burst, l.clock)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Get()
}

// Reset forgets key's bucket.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
