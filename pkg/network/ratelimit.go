package network

import (
	"sync"
	"time"
)

// rateLimiter is a per-client token bucket for inbound PUBLISH packets.
type rateLimiter struct {
	rate  float64 // tokens per second
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// newRateLimiter returns nil when rate is not positive.
func newRateLimiter(rate, burst int) *rateLimiter {
	if rate <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = rate * 2
	}
	return &rateLimiter{
		rate:    float64(rate),
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// allow takes a token for clientID and reports whether one was available.
func (l *rateLimiter) allow(clientID string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[clientID] = b
	}

	// Refill tokens based on elapsed time
	if elapsed := now.Sub(b.lastFill); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed.Seconds()*l.rate)
		b.lastFill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *rateLimiter) forget(clientID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, clientID)
	l.mu.Unlock()
}
